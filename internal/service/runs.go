package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/crankshaft-ci/crankshaft/internal/adapter/otel"
	"github.com/crankshaft-ci/crankshaft/internal/adapter/ws"
	"github.com/crankshaft-ci/crankshaft/internal/domain/event"
	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
	"github.com/crankshaft-ci/crankshaft/internal/domain/template"
	"github.com/crankshaft-ci/crankshaft/internal/port/broadcast"
	"github.com/crankshaft-ci/crankshaft/internal/port/cache"
	"github.com/crankshaft-ci/crankshaft/internal/port/statestore"
)

// RunService is the ingestion boundary: external callers create runs, query
// their state, and cancel them here.
type RunService struct {
	store     statestore.Store
	templates *template.Registry
	queue     *PhaseQueue
	launcher  *Launcher
	scheduler *Scheduler
	hub       broadcast.Broadcaster
	cache     cache.Cache
	cacheTTL  time.Duration
}

// NewRunService creates a RunService. cache may be nil to disable the read
// cache.
func NewRunService(store statestore.Store, templates *template.Registry,
	queue *PhaseQueue, launcher *Launcher, scheduler *Scheduler,
	hub broadcast.Broadcaster, c cache.Cache, cacheTTL time.Duration) *RunService {
	return &RunService{
		store:     store,
		templates: templates,
		queue:     queue,
		launcher:  launcher,
		scheduler: scheduler,
		hub:       hub,
		cache:     c,
		cacheTTL:  cacheTTL,
	}
}

func runCacheKey(id string) string { return "run:" + id }

// Create validates the request, persists the run, and enqueues its first
// phase.
func (s *RunService) Create(ctx context.Context, req run.CreateRequest) (*run.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	tmpl, err := s.templates.Get(req.Template)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	r := &run.Run{
		SubjectRef: req.SubjectRef,
		Template:   req.Template,
		Priority:   req.Priority,
		Status:     run.StatusPending,
	}
	if err := s.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	ctx, span := otel.StartRunSpan(ctx, r.ID, r.SubjectRef, r.Template)
	defer span.End()

	s.queue.Enqueue(ctx, Entry{
		RunID:    r.ID,
		Phase:    tmpl.FirstPhase(),
		Priority: r.Priority,
	})

	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, event.TypeRunCreated, ws.RunStatusEvent{
			RunID:        r.ID,
			SubjectRef:   r.SubjectRef,
			Status:       string(r.Status),
			CurrentPhase: tmpl.FirstPhase(),
		})
	}
	if s.scheduler != nil {
		s.scheduler.Kick()
	}

	slog.Info("run created", "run_id", r.ID, "subject", r.SubjectRef, "template", r.Template)
	return r, nil
}

// Get loads a run, serving the status polling path from the read cache when
// possible. Cached entries expire on their TTL; mutation paths invalidate.
func (s *RunService) Get(ctx context.Context, id string) (*run.Run, error) {
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, runCacheKey(id)); err == nil && ok {
			var r run.Run
			if err := json.Unmarshal(data, &r); err == nil {
				return &r, nil
			}
		}
	}

	r, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(r); err == nil {
			_ = s.cache.Set(ctx, runCacheKey(id), data, s.cacheTTL)
		}
	}
	return r, nil
}

// List returns all runs, newest first.
func (s *RunService) List(ctx context.Context) ([]run.Run, error) {
	return s.store.ListRuns(ctx)
}

// Cancel removes the run's queued entries, stops any live phase subprocess,
// and marks the run cancelled.
func (s *RunService) Cancel(ctx context.Context, id string) error {
	r, err := s.store.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("cancel run %s: already %s", id, r.Status)
	}

	dropped := s.queue.CancelRun(ctx, id)
	if s.launcher != nil {
		s.launcher.Cancel(ctx, id)
	}

	if err := s.store.UpdateRunStatus(ctx, id, run.StatusCancelled, r.CurrentPhase, "cancelled by operator"); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	s.invalidate(ctx, id)

	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, event.TypeRunStatus, ws.RunStatusEvent{
			RunID:        id,
			SubjectRef:   r.SubjectRef,
			Status:       string(run.StatusCancelled),
			CurrentPhase: r.CurrentPhase,
		})
	}

	slog.Info("run cancelled", "run_id", id, "queued_dropped", dropped)
	return nil
}

// Templates lists the registered delivery templates.
func (s *RunService) Templates() []template.Template {
	return s.templates.List()
}

func (s *RunService) invalidate(ctx context.Context, id string) {
	if s.cache != nil {
		_ = s.cache.Delete(ctx, runCacheKey(id))
	}
}
