// Package scheduler starts the nodes of a deployment in dependency order.
//
// A node may depend on another in one of two modes: ModeRunning releases the
// dependent once the dependency is healthy, ModeCompleted only once it has
// exited successfully. A node that fails, or is cancelled, blocks every
// dependent for the rest of the run.
package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode is the kind of a dependency edge.
type Mode string

const (
	ModeRunning   Mode = "running"
	ModeCompleted Mode = "completed"
)

// ParseMode accepts the descriptor spelling of a mode in any case.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeRunning, ModeCompleted:
		return m, nil
	default:
		return "", fmt.Errorf("unknown dependency mode %q", s)
	}
}

// NodeState is the lifecycle position of a node within one run.
type NodeState string

const (
	StatePending   NodeState = "pending"
	StateStarting  NodeState = "starting"
	StateRunning   NodeState = "running"
	StateCompleted NodeState = "completed"
	StateFailed    NodeState = "failed"
)

// Satisfies reports whether a dependency in state s releases a dependent
// waiting on it with mode m.
func (s NodeState) Satisfies(m Mode) bool {
	switch m {
	case ModeRunning:
		return s == StateRunning || s == StateCompleted
	case ModeCompleted:
		return s == StateCompleted
	}
	return false
}

// Dependency is one edge of the graph.
type Dependency struct {
	Name string `json:"name" yaml:"name"`
	Mode Mode   `json:"mode" yaml:"mode"`
}

// HealthSpec describes how to decide a node is accepting connections.
type HealthSpec struct {
	Type     string        `json:"type" yaml:"type"` // postgres, redis, nats, http, tcp
	Target   string        `json:"target" yaml:"target"`
	Interval time.Duration `json:"interval,omitempty" yaml:"interval"`
}

// Node is one service of the deployment. A node without Command is external:
// it is never launched, only health-checked.
type Node struct {
	Name         string            `json:"name" yaml:"name"`
	Command      []string          `json:"command,omitempty" yaml:"command"`
	Dir          string            `json:"dir,omitempty" yaml:"dir"`
	Env          map[string]string `json:"env,omitempty" yaml:"env"`
	Dependencies []Dependency      `json:"dependencies,omitempty" yaml:"dependencies"`
	Connection   map[string]string `json:"connection,omitempty" yaml:"connection"`
	Health       *HealthSpec       `json:"health,omitempty" yaml:"health"`
}

// External reports whether the node is managed outside this process tree.
func (n Node) External() bool { return len(n.Command) == 0 }

// NodeStatus is the observed state of a node.
type NodeStatus struct {
	Name  string    `json:"name"`
	State NodeState `json:"state"`
	Error string    `json:"error,omitempty"`
}

// Transition records one state change of a node.
type Transition struct {
	Node string    `json:"node"`
	From NodeState `json:"from"`
	To   NodeState `json:"to"`
	At   time.Time `json:"at"`
}

// Report is the record of one Run.
type Report struct {
	Nodes       []NodeStatus `json:"nodes"`
	Transitions []Transition `json:"transitions"`
}

// State returns the final state of the named node.
func (r *Report) State(name string) NodeState {
	for _, n := range r.Nodes {
		if n.Name == name {
			return n.State
		}
	}
	return ""
}

// ErrDependencyFailed is matched by the error Run returns when a node did
// not reach the state its dependents needed.
var ErrDependencyFailed = errors.New("dependency failed")

// NodeError attributes a run failure to the upstream node that caused it.
type NodeError struct {
	Node    string
	Blocked []string // dependents that were never started
	Err     error
}

func (e *NodeError) Error() string {
	msg := fmt.Sprintf("node %s failed: %v", e.Node, e.Err)
	if len(e.Blocked) > 0 {
		msg += fmt.Sprintf(" (blocked: %s)", strings.Join(e.Blocked, ", "))
	}
	return msg
}

func (e *NodeError) Unwrap() []error { return []error{ErrDependencyFailed, e.Err} }
