package orchestrator

import "time"

// State is a position in the bootstrap state machine.
type State string

const (
	StateInit      State = "init"
	StateEnsuring  State = "ensuring"
	StateMigrating State = "migrating"
	StateSeeding   State = "seeding"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Status values used by PhaseResult.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// BootstrapResult is the record of one run. Only Outcome == OutcomeCompleted
// may release dependents.
type BootstrapResult struct {
	Outcome     Outcome       `json:"outcome"`
	State       State         `json:"state"`
	Error       string        `json:"error,omitempty"`
	Phases      []PhaseResult `json:"phases"`
	Transitions []Transition  `json:"transitions"`
	StartedAt   time.Time     `json:"startedAt"`
	FinishedAt  time.Time     `json:"finishedAt"`
}

// Phase returns the named phase result, if it ran.
func (r *BootstrapResult) Phase(name string) (PhaseResult, bool) {
	for _, p := range r.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseResult{}, false
}

// PhaseResult is the outcome of one bootstrap step.
type PhaseResult struct {
	Name       string   `json:"name"`
	Status     string   `json:"status"` // "ok", "error", "skipped"
	Result     string   `json:"result,omitempty"`
	Applied    []string `json:"applied,omitempty"`
	Attempts   int      `json:"attempts"`
	DurationMs int64    `json:"durationMs"`
	Error      string   `json:"error,omitempty"`
}

// Transition is one state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}
