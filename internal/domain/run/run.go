// Package run defines the Run domain entity for workflow execution.
package run

import "time"

// Status represents the current state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Outcome is the result classification a phase reports on completion.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Issue is one structured error or warning recorded by a phase.
type Issue struct {
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// PhaseResult is the outcome of one phase of a run. Once written for a
// (run, phase) pair it is append-only from the perspective of other phases:
// a save by an unrelated writer never removes or nulls it. A retry is a new
// logical attempt with a higher Attempt counter, not a mutation.
type PhaseResult struct {
	Phase     string        `json:"phase"`
	Success   bool          `json:"success"`
	Attempt   int           `json:"attempt"`
	Errors    []Issue       `json:"errors,omitempty"`
	Warnings  []Issue       `json:"warnings,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
}

// Outcome maps the result's success flag onto the sequencer outcome domain.
func (p PhaseResult) Outcome() Outcome {
	if p.Success {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// Run represents one instance of a multi-phase workflow. It is owned
// exclusively by the state store and mutated only through the store's save
// operations.
type Run struct {
	ID           string                 `json:"id"`
	SubjectRef   string                 `json:"subject_ref"`
	Template     string                 `json:"template"`
	Status       Status                 `json:"status"`
	CurrentPhase string                 `json:"current_phase,omitempty"`
	Priority     int                    `json:"priority"`
	PhaseResults map[string]PhaseResult `json:"phase_results"`
	Error        string                 `json:"error,omitempty"`
	Version      int                    `json:"version"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Clone returns a deep copy so store-owned state is never aliased by callers.
func (r *Run) Clone() *Run {
	out := *r
	out.PhaseResults = make(map[string]PhaseResult, len(r.PhaseResults))
	for name, res := range r.PhaseResults {
		res.Errors = append([]Issue(nil), res.Errors...)
		res.Warnings = append([]Issue(nil), res.Warnings...)
		out.PhaseResults[name] = res
	}
	return &out
}

// CreateRequest holds the fields needed to create a new run.
type CreateRequest struct {
	SubjectRef string `json:"subject_ref"`
	Template   string `json:"template"`
	Priority   int    `json:"priority,omitempty"`
}
