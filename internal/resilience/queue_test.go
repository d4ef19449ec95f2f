package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crankshaft-ci/crankshaft/internal/port/messagequeue"
)

type flakyQueue struct {
	err       error
	published int
}

func (q *flakyQueue) Publish(context.Context, string, []byte) error {
	if q.err != nil {
		return q.err
	}
	q.published++
	return nil
}

func (q *flakyQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *flakyQueue) Close() error { return nil }

func TestGuardedQueuePublish(t *testing.T) {
	inner := &flakyQueue{}
	q := NewGuardedQueue(inner, NewBreaker(2, time.Minute))

	if err := q.Publish(context.Background(), "phases.complete", []byte("{}")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if inner.published != 1 {
		t.Fatalf("expected 1 publish, got %d", inner.published)
	}
}

func TestGuardedQueueOpensAfterFailures(t *testing.T) {
	inner := &flakyQueue{err: errors.New("broker down")}
	q := NewGuardedQueue(inner, NewBreaker(2, time.Minute))
	ctx := context.Background()

	for range 2 {
		if err := q.Publish(ctx, "phases.complete", nil); err == nil {
			t.Fatal("expected publish error")
		}
	}
	if q.State() != StateOpen {
		t.Fatalf("expected open breaker, got %s", q.State())
	}

	// Publishes now fail fast without touching the broker.
	if err := q.Publish(ctx, "phases.complete", nil); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}
