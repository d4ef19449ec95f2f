// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Close shuts down the queue connection.
	Close() error
}

// Subjects carrying the phase-runner protocol. The runner subprocess writes
// its PhaseResult to the state store, then reports on phases.complete; the
// continuation controller consumes that subject.
const (
	SubjectPhaseComplete = "phases.complete" // runner → core: phase finished
	SubjectPhaseOutput   = "phases.output"   // runner → core: streaming output lines
	SubjectPhaseCancel   = "phases.cancel"   // core → runner: stop a running phase
)
