package resilience

import (
	"context"

	"github.com/crankshaft-ci/crankshaft/internal/port/messagequeue"
)

// GuardedQueue wraps a message queue with a circuit breaker on the publish
// path. When the broker is down, publishers fail fast with ErrCircuitOpen
// instead of stacking up blocked goroutines behind a dead connection.
// Subscriptions pass through untouched: the broker client already handles
// reconnect and redelivery there.
type GuardedQueue struct {
	next    messagequeue.Queue
	breaker *Breaker
}

// NewGuardedQueue wraps next with the given breaker.
func NewGuardedQueue(next messagequeue.Queue, b *Breaker) *GuardedQueue {
	return &GuardedQueue{next: next, breaker: b}
}

// Publish sends through the breaker.
func (q *GuardedQueue) Publish(ctx context.Context, subject string, data []byte) error {
	return q.breaker.Execute(func() error {
		return q.next.Publish(ctx, subject, data)
	})
}

// Subscribe delegates to the wrapped queue.
func (q *GuardedQueue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	return q.next.Subscribe(ctx, subject, handler)
}

// Close delegates to the wrapped queue.
func (q *GuardedQueue) Close() error {
	return q.next.Close()
}

// State exposes the breaker state for health reporting.
func (q *GuardedQueue) State() State {
	return q.breaker.State()
}
