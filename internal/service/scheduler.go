package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crankshaft-ci/crankshaft/internal/domain"
	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
	"github.com/crankshaft-ci/crankshaft/internal/port/statestore"
	"github.com/crankshaft-ci/crankshaft/internal/slot"
)

// Scheduler drives the dispatch loop: peek the best eligible queue entry,
// try to acquire a slot, and only then take the entry and launch it. The
// loop runs on a single goroutine so slot assignment cannot race with
// itself; it wakes on a poll tick or a kick from a slot release.
type Scheduler struct {
	queue    *PhaseQueue
	slots    *slot.Pool
	store    statestore.Store
	launcher *Launcher
	interval time.Duration
	kick     chan struct{}
}

// NewScheduler creates a Scheduler and wires itself as the launcher's
// slot-release callback.
func NewScheduler(queue *PhaseQueue, slots *slot.Pool, store statestore.Store,
	launcher *Launcher, interval time.Duration) *Scheduler {
	s := &Scheduler{
		queue:    queue,
		slots:    slots,
		store:    store,
		launcher: launcher,
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
	launcher.SetOnExit(s.Kick)
	return s
}

// Kick wakes the dispatch loop without waiting for the next tick.
// Non-blocking; a pending kick is enough.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start runs the dispatch loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-s.kick:
			}
			s.dispatch(ctx)
		}
	}()
}

// dispatch drains as much of the queue as free slots allow.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		entry, ok := s.queue.PeekReady(s.eligible(ctx))
		if !ok {
			return
		}

		sl := s.slots.TryAcquire(ctx, entry.occupant())
		if sl == nil {
			// Pool exhausted. The entry stays queued; the next release kicks us.
			return
		}

		taken, ok := s.queue.Take(ctx, entry.RunID, entry.Phase)
		if !ok {
			// Cancelled between peek and take.
			s.slots.Release(ctx, sl)
			continue
		}

		if err := s.launcher.Launch(ctx, taken, sl); err != nil {
			s.slots.Release(ctx, sl)
			if errors.Is(err, domain.ErrLockBusy) {
				// Subject still leased, likely by this run's previous phase
				// winding down. Requeue and let the next pass retry.
				slog.Info("subject lease busy, requeueing", "run_id", taken.RunID, "phase", taken.Phase)
				s.queue.Requeue(ctx, taken)
				return
			}
			slog.Error("phase launch failed", "run_id", taken.RunID, "phase", taken.Phase, "error", err)
			_ = s.store.UpdateRunStatus(ctx, taken.RunID, run.StatusFailed, taken.Phase, err.Error())
		}
	}
}

// eligible returns the dependency filter for this dispatch pass: every
// dependency phase must have a successful persisted result, and the run must
// still be live. Loaded runs are memoized per pass so one pass does not
// hammer the store.
func (s *Scheduler) eligible(ctx context.Context) func(Entry) bool {
	seen := make(map[string]*run.Run)
	return func(e Entry) bool {
		r, ok := seen[e.RunID]
		if !ok {
			var err error
			r, err = s.store.GetRun(ctx, e.RunID)
			if err != nil {
				slog.Warn("queued entry for unknown run", "run_id", e.RunID, "error", err)
				seen[e.RunID] = nil
				return false
			}
			seen[e.RunID] = r
		}
		if r == nil || r.Status.IsTerminal() {
			return false
		}
		for _, dep := range e.Dependencies {
			res, ok := r.PhaseResults[dep]
			if !ok || !res.Success {
				return false
			}
		}
		return true
	}
}
