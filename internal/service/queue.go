package service

import (
	"context"
	"sync"
	"time"

	"github.com/crankshaft-ci/crankshaft/internal/adapter/ws"
	"github.com/crankshaft-ci/crankshaft/internal/domain/event"
	"github.com/crankshaft-ci/crankshaft/internal/port/broadcast"
)

// Entry is a phase waiting for a free execution slot.
type Entry struct {
	RunID        string    `json:"run_id"`
	Phase        string    `json:"phase"`
	Priority     int       `json:"priority"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	Dependencies []string  `json:"dependencies,omitempty"` // phases that must have succeeded first
}

func (e Entry) occupant() string {
	return e.RunID + "/" + e.Phase
}

// PhaseQueue is the ordered backlog of phases waiting to run. Among eligible
// entries, higher priority wins; ties break by earliest enqueue time. Entries
// are peeked rather than removed until a slot is actually available, so a
// momentarily full pool never loses a ready entry.
type PhaseQueue struct {
	mu      sync.Mutex
	entries []Entry
	hub     broadcast.Broadcaster
	now     func() time.Time
}

// NewPhaseQueue creates an empty queue. hub may be nil in tests.
func NewPhaseQueue(hub broadcast.Broadcaster) *PhaseQueue {
	return &PhaseQueue{hub: hub, now: time.Now}
}

// Enqueue adds an entry to the backlog. The enqueue timestamp is assigned
// here so FIFO tie-breaks reflect arrival order, not caller construction.
func (q *PhaseQueue) Enqueue(ctx context.Context, e Entry) {
	q.mu.Lock()
	e.EnqueuedAt = q.now()
	q.entries = append(q.entries, e)
	depth := len(q.entries)
	q.mu.Unlock()

	q.broadcast(ctx, event.TypePhaseEnqueued, e, depth)
}

// Requeue returns a taken entry to the backlog keeping its original enqueue
// timestamp, so a lease-busy bounce does not cost the entry its FIFO position
// within its priority class.
func (q *PhaseQueue) Requeue(ctx context.Context, e Entry) {
	q.mu.Lock()
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	q.entries = append(q.entries, e)
	depth := len(q.entries)
	q.mu.Unlock()

	q.broadcast(ctx, event.TypePhaseEnqueued, e, depth)
}

// PeekReady returns the best eligible entry without removing it. eligible
// filters entries whose dependencies are unmet; a nil eligible accepts all.
func (q *PhaseQueue) PeekReady(eligible func(Entry) bool) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, e := range q.entries {
		if eligible != nil && !eligible(e) {
			continue
		}
		if best < 0 || q.entries[i].beats(q.entries[best]) {
			best = i
		}
	}
	if best < 0 {
		return Entry{}, false
	}
	return q.entries[best], true
}

// beats reports whether e orders ahead of other.
func (e Entry) beats(other Entry) bool {
	if e.Priority != other.Priority {
		return e.Priority > other.Priority
	}
	return e.EnqueuedAt.Before(other.EnqueuedAt)
}

// Take removes the entry for (runID, phase). Returns false if it is no
// longer queued, which happens when a cancellation raced the scheduler
// between peek and take.
func (q *PhaseQueue) Take(ctx context.Context, runID, phase string) (Entry, bool) {
	q.mu.Lock()
	for i, e := range q.entries {
		if e.RunID == runID && e.Phase == phase {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			depth := len(q.entries)
			q.mu.Unlock()
			q.broadcast(ctx, event.TypePhaseDequeued, e, depth)
			return e, true
		}
	}
	q.mu.Unlock()
	return Entry{}, false
}

// CancelRun removes every queued entry belonging to the run and returns how
// many were dropped.
func (q *PhaseQueue) CancelRun(ctx context.Context, runID string) int {
	q.mu.Lock()
	kept := q.entries[:0]
	var dropped []Entry
	for _, e := range q.entries {
		if e.RunID == runID {
			dropped = append(dropped, e)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	depth := len(q.entries)
	q.mu.Unlock()

	for _, e := range dropped {
		q.broadcast(ctx, event.TypePhaseDequeued, e, depth)
	}
	return len(dropped)
}

// Depth returns the number of queued entries.
func (q *PhaseQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns the queued entries in dispatch order.
func (q *PhaseQueue) Snapshot() []Entry {
	q.mu.Lock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	q.mu.Unlock()

	// Dispatch order: priority desc, then FIFO.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].beats(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (q *PhaseQueue) broadcast(ctx context.Context, eventType string, e Entry, depth int) {
	if q.hub == nil {
		return
	}
	q.hub.BroadcastEvent(ctx, eventType, ws.QueueEvent{
		RunID:    e.RunID,
		Phase:    e.Phase,
		Priority: e.Priority,
		Depth:    depth,
	})
}
