package scheduler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Descriptor is the on-disk deployment description.
type Descriptor struct {
	Nodes []Node `yaml:"nodes"`
}

// LoadDescriptor reads and validates a deployment descriptor file.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading deployment descriptor: %w", err)
	}
	d, err := ParseDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// ParseDescriptor decodes YAML, rejecting unknown fields, and validates the
// resulting graph.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var d Descriptor
	if err := dec.Decode(&d); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty descriptor", ErrInvalidGraph)
		}
		return nil, fmt.Errorf("decoding deployment descriptor: %w", err)
	}
	for i := range d.Nodes {
		if h := d.Nodes[i].Health; h != nil && h.Type == "" {
			return nil, fmt.Errorf("%w: node %s: health type is required", ErrInvalidGraph, d.Nodes[i].Name)
		}
	}
	if err := Validate(d.Nodes); err != nil {
		return nil, err
	}
	return &d, nil
}
