// Package lock provides exclusive, resource-scoped leases that prevent
// concurrent conflicting runs on the same subject or branch. Leases expire
// so a crashed holder self-heals after the lease window instead of
// deadlocking the resource forever.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crankshaft-ci/crankshaft/internal/domain"
	"github.com/crankshaft-ci/crankshaft/internal/domain/event"
	"github.com/crankshaft-ci/crankshaft/internal/port/broadcast"
)

// Lock is a live lease on a resource key.
type Lock struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease window has elapsed at the given instant.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// StatusEvent is broadcast on every lock transition.
type StatusEvent struct {
	Resource string `json:"resource"`
	Holder   string `json:"holder"`
	Expires  string `json:"expires,omitempty"`
}

// Manager owns the lock table behind the acquire/renew/release contract.
// External callers never see the raw table.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*Lock
	hub   broadcast.Broadcaster
	now   func() time.Time // injectable for tests
}

// NewManager creates an empty lock table. hub may be nil in tests.
func NewManager(hub broadcast.Broadcaster) *Manager {
	return &Manager{
		locks: make(map[string]*Lock),
		hub:   hub,
		now:   time.Now,
	}
}

// Acquire takes an exclusive lease on resource for holder. A live lease held
// by a different holder yields domain.ErrLockBusy; an expired lease is
// reclaimed by any acquirer. Re-acquiring a lease the holder already owns
// refreshes its window.
func (m *Manager) Acquire(ctx context.Context, resource, holder string, lease time.Duration) (*Lock, error) {
	m.mu.Lock()

	now := m.now()
	var reclaimed *StatusEvent
	if existing, ok := m.locks[resource]; ok {
		if !existing.Expired(now) && existing.Holder != holder {
			m.mu.Unlock()
			return nil, fmt.Errorf("acquire %s for %s: %w", resource, holder, domain.ErrLockBusy)
		}
		if existing.Expired(now) {
			slog.Warn("reclaiming expired lock", "resource", resource, "stale_holder", existing.Holder, "holder", holder)
			reclaimed = &StatusEvent{Resource: resource, Holder: existing.Holder}
		}
	}

	l := &Lock{
		Resource:   resource,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(lease),
	}
	m.locks[resource] = l
	out := *l
	m.mu.Unlock()

	// Events go out after the table unlocks: hub writes are synchronous and
	// a slow observer would otherwise serialize every acquire.
	if reclaimed != nil {
		m.broadcast(ctx, event.TypeLockExpired, *reclaimed)
	}
	m.broadcast(ctx, event.TypeLockAcquired, StatusEvent{
		Resource: resource,
		Holder:   holder,
		Expires:  out.ExpiresAt.Format(time.RFC3339),
	})

	return &out, nil
}

// Renew extends the lease before it expires. A renew by a non-holder, or on
// an expired or absent lease, is rejected with domain.ErrNotHolder.
func (m *Manager) Renew(ctx context.Context, resource, holder string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.locks[resource]
	if !ok || existing.Holder != holder || existing.Expired(now) {
		return fmt.Errorf("renew %s for %s: %w", resource, holder, domain.ErrNotHolder)
	}

	existing.ExpiresAt = now.Add(lease)
	return nil
}

// Release drops the lease. A release by a non-holder is rejected so a stale
// caller cannot release another holder's active lock.
func (m *Manager) Release(ctx context.Context, resource, holder string) error {
	m.mu.Lock()
	existing, ok := m.locks[resource]
	if !ok || existing.Holder != holder {
		m.mu.Unlock()
		return fmt.Errorf("release %s for %s: %w", resource, holder, domain.ErrNotHolder)
	}
	delete(m.locks, resource)
	m.mu.Unlock()

	m.broadcast(ctx, event.TypeLockReleased, StatusEvent{Resource: resource, Holder: holder})
	return nil
}

// Snapshot returns a copy of all live (non-expired) leases.
func (m *Manager) Snapshot() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Lock, 0, len(m.locks))
	for _, l := range m.locks {
		if !l.Expired(now) {
			out = append(out, *l)
		}
	}
	return out
}

func (m *Manager) broadcast(ctx context.Context, eventType string, payload StatusEvent) {
	if m.hub != nil {
		m.hub.BroadcastEvent(ctx, eventType, payload)
	}
}
