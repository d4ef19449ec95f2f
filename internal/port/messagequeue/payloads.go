package messagequeue

import "github.com/crankshaft-ci/crankshaft/internal/domain/run"

// PhaseCompletePayload is published by a phase runner when it finishes.
// Result is optional: runners with direct store access save their own
// PhaseResult first and send only the identifying fields; runners without
// store access attach the result and the controller saves it for them.
type PhaseCompletePayload struct {
	RunID   string           `json:"run_id"`
	Phase   string           `json:"phase"`
	Success bool             `json:"success"`
	Result  *run.PhaseResult `json:"result,omitempty"`
}

// PhaseOutputPayload carries one streaming output line from a runner.
type PhaseOutputPayload struct {
	RunID  string `json:"run_id"`
	Phase  string `json:"phase"`
	Line   string `json:"line"`
	Stream string `json:"stream"` // "stdout" or "stderr"
}

// PhaseCancelPayload asks a runner to stop the named phase.
type PhaseCancelPayload struct {
	RunID string `json:"run_id"`
	Phase string `json:"phase"`
}
