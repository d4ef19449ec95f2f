package ws

// RunStatusEvent is broadcast when a run's status or current phase changes.
type RunStatusEvent struct {
	RunID        string `json:"run_id"`
	SubjectRef   string `json:"subject_ref"`
	Status       string `json:"status"`
	CurrentPhase string `json:"current_phase,omitempty"`
	Error        string `json:"error,omitempty"`
}

// PhaseOutputEvent is broadcast when a phase runner produces streaming output.
type PhaseOutputEvent struct {
	RunID  string `json:"run_id"`
	Phase  string `json:"phase"`
	Line   string `json:"line"`
	Stream string `json:"stream"` // "stdout" or "stderr"
}

// PhaseCompletedEvent is broadcast once per reported phase completion,
// before the continuation decision is made.
type PhaseCompletedEvent struct {
	RunID           string  `json:"run_id"`
	Phase           string  `json:"phase"`
	Success         bool    `json:"success"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// QueueEvent is broadcast when an entry is enqueued or dequeued.
type QueueEvent struct {
	RunID    string `json:"run_id"`
	Phase    string `json:"phase"`
	Priority int    `json:"priority"`
	Depth    int    `json:"depth"`
}
