// Package event names the structured coordination events published to the
// observability sink. The core never persists these itself.
package event

// Type identifies the kind of coordination event.
type Type = string

const (
	TypeRunCreated   Type = "run.created"
	TypeRunStatus    Type = "run.status"
	TypeRunContinued Type = "run.continued"
	TypeRunHalted    Type = "run.halted"

	TypePhaseEnqueued  Type = "phase.enqueued"
	TypePhaseDequeued  Type = "phase.dequeued"
	TypePhaseLaunched  Type = "phase.launched"
	TypePhaseOutput    Type = "phase.output"
	TypePhaseCompleted Type = "phase.completed"
	TypePhaseTimeout   Type = "phase.timeout"

	TypeSlotAcquired Type = "slot.acquired"
	TypeSlotReleased Type = "slot.released"

	TypeLockAcquired Type = "lock.acquired"
	TypeLockReleased Type = "lock.released"
	TypeLockExpired  Type = "lock.expired"
)
