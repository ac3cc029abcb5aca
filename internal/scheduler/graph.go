package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidGraph is matched by every error Validate returns.
var ErrInvalidGraph = errors.New("invalid deployment graph")

// Validate checks names are unique and non-empty, every dependency names a
// known node with a valid mode, and the graph is acyclic. Modes are
// normalised in place.
func Validate(nodes []Node) error {
	_, err := StartOrder(nodes)
	return err
}

// StartOrder returns the nodes grouped in tiers: every node's dependencies
// lie in earlier tiers. Names within a tier are sorted.
func StartOrder(nodes []Node) ([][]string, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidGraph)
	}

	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if strings.TrimSpace(n.Name) == "" {
			return nil, fmt.Errorf("%w: node %d has no name", ErrInvalidGraph, i)
		}
		if _, dup := index[n.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate node %q", ErrInvalidGraph, n.Name)
		}
		index[n.Name] = i
	}

	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		seen := make(map[string]bool, len(n.Dependencies))
		for j := range n.Dependencies {
			d := &n.Dependencies[j]
			if _, ok := index[d.Name]; !ok {
				return nil, fmt.Errorf("%w: %s depends on unknown node %q", ErrInvalidGraph, n.Name, d.Name)
			}
			if d.Name == n.Name {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrInvalidGraph, n.Name)
			}
			if seen[d.Name] {
				return nil, fmt.Errorf("%w: %s lists %q twice", ErrInvalidGraph, n.Name, d.Name)
			}
			seen[d.Name] = true
			mode, err := ParseMode(string(d.Mode))
			if err != nil {
				return nil, fmt.Errorf("%w: %s -> %s: %v", ErrInvalidGraph, n.Name, d.Name, err)
			}
			if mode == ModeCompleted && nodes[index[d.Name]].External() {
				return nil, fmt.Errorf("%w: %s waits for external node %q to complete", ErrInvalidGraph, n.Name, d.Name)
			}
			d.Mode = mode
			indegree[n.Name]++
			dependents[d.Name] = append(dependents[d.Name], n.Name)
		}
	}

	var tiers [][]string
	var ready []string
	for _, n := range nodes {
		if indegree[n.Name] == 0 {
			ready = append(ready, n.Name)
		}
	}
	placed := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		tiers = append(tiers, ready)
		placed += len(ready)
		var next []string
		for _, name := range ready {
			for _, dep := range dependents[name] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		ready = next
	}

	if placed != len(nodes) {
		var cyclic []string
		for _, n := range nodes {
			if indegree[n.Name] > 0 {
				cyclic = append(cyclic, n.Name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("%w: dependency cycle involving %s", ErrInvalidGraph, strings.Join(cyclic, ", "))
	}
	return tiers, nil
}

// ConnectionEnv returns the environment a node receives from its direct
// dependencies: every key of a dependency's Connection map becomes
// <NODE>_<KEY>, upper-cased with '-' and '.' replaced by '_'.
func ConnectionEnv(n Node, byName map[string]Node) map[string]string {
	env := make(map[string]string)
	for _, d := range n.Dependencies {
		dep, ok := byName[d.Name]
		if !ok {
			continue
		}
		for k, v := range dep.Connection {
			env[envKey(dep.Name)+"_"+envKey(k)] = v
		}
	}
	return env
}

var envReplacer = strings.NewReplacer("-", "_", ".", "_", " ", "_")

func envKey(s string) string {
	return strings.ToUpper(envReplacer.Replace(s))
}
