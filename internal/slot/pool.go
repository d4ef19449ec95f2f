// Package slot provides the fixed pool of numbered execution slots that
// bounds concurrent phase subprocesses. Slots are allocated once at
// construction and only toggle occupancy.
package slot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crankshaft-ci/crankshaft/internal/domain/event"
	"github.com/crankshaft-ci/crankshaft/internal/port/broadcast"
)

// Slot is one numbered capacity unit. Occupant is non-empty only between
// acquisition and release.
type Slot struct {
	ID         int       `json:"id"`
	Occupant   string    `json:"occupant,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
}

// StatusEvent is broadcast when a slot's occupancy changes.
type StatusEvent struct {
	SlotID   int    `json:"slot_id"`
	Occupant string `json:"occupant,omitempty"`
	Occupied int    `json:"occupied"`
	Size     int    `json:"size"`
}

// Pool owns the slot table behind the try-acquire/release contract.
// TryAcquire is the only allocation entry point and never blocks, so the
// scheduler's control loop cannot be starved by a burst of ready phases.
type Pool struct {
	mu    sync.Mutex
	slots []*Slot
	hub   broadcast.Broadcaster
	now   func() time.Time
}

// NewPool creates a pool with slots numbered 1..size.
func NewPool(size int, hub broadcast.Broadcaster) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		slots: make([]*Slot, size),
		hub:   hub,
		now:   time.Now,
	}
	for i := range p.slots {
		p.slots[i] = &Slot{ID: i + 1}
	}
	return p
}

// TryAcquire claims the lowest-numbered free slot for occupant, or returns
// nil when the pool is exhausted. Exhaustion is not an error: the caller's
// entry simply stays queued.
func (p *Pool) TryAcquire(ctx context.Context, occupant string) *Slot {
	p.mu.Lock()
	for _, s := range p.slots {
		if s.Occupant == "" {
			s.Occupant = occupant
			s.AcquiredAt = p.now()
			ev := p.statusLocked(s)
			out := *s
			p.mu.Unlock()
			p.broadcast(ctx, event.TypeSlotAcquired, ev)
			return &out
		}
	}
	p.mu.Unlock()
	return nil
}

// Release frees the slot. A second release of an already-free slot is a
// logged no-op: a phase's completion path and its timeout watcher can race
// to release the same slot.
func (p *Pool) Release(ctx context.Context, s *Slot) {
	if s == nil {
		return
	}

	p.mu.Lock()
	if s.ID < 1 || s.ID > len(p.slots) {
		p.mu.Unlock()
		slog.Warn("release of unknown slot", "slot_id", s.ID)
		return
	}

	owned := p.slots[s.ID-1]
	if owned.Occupant == "" {
		p.mu.Unlock()
		slog.Warn("double release of free slot", "slot_id", s.ID)
		return
	}

	owned.Occupant = ""
	owned.AcquiredAt = time.Time{}
	ev := p.statusLocked(owned)
	p.mu.Unlock()

	p.broadcast(ctx, event.TypeSlotReleased, ev)
}

// Occupied returns the number of currently occupied slots.
func (p *Pool) Occupied() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, s := range p.slots {
		if s.Occupant != "" {
			n++
		}
	}
	return n
}

// Size returns the fixed pool size.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Snapshot returns a copy of all slots.
func (p *Pool) Snapshot() []Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Slot, len(p.slots))
	for i, s := range p.slots {
		out[i] = *s
	}
	return out
}

// statusLocked builds the occupancy event for s. Caller holds p.mu.
func (p *Pool) statusLocked(s *Slot) StatusEvent {
	occupied := 0
	for _, sl := range p.slots {
		if sl.Occupant != "" {
			occupied++
		}
	}
	return StatusEvent{
		SlotID:   s.ID,
		Occupant: s.Occupant,
		Occupied: occupied,
		Size:     len(p.slots),
	}
}

// broadcast runs outside the table mutex: hub writes are synchronous and a
// slow observer would otherwise serialize the pool.
func (p *Pool) broadcast(ctx context.Context, eventType string, ev StatusEvent) {
	if p.hub == nil {
		return
	}
	p.hub.BroadcastEvent(ctx, eventType, ev)
}
