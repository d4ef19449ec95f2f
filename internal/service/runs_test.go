package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crankshaft-ci/crankshaft/internal/adapter/memory"
	"github.com/crankshaft-ci/crankshaft/internal/domain"
	"github.com/crankshaft-ci/crankshaft/internal/domain/event"
	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
)

func newRunService(t *testing.T) (*RunService, *memory.Store, *PhaseQueue, *mockHub, *mapCache) {
	t.Helper()
	store := memory.NewStore()
	q := NewPhaseQueue(nil)
	hub := &mockHub{}
	c := newMapCache()
	svc := NewRunService(store, deliveryRegistry(t), q, nil, nil, hub, c, 5*time.Second)
	return svc, store, q, hub, c
}

func TestRunService_Create(t *testing.T) {
	svc, _, q, hub, _ := newRunService(t)
	ctx := context.Background()

	r, err := svc.Create(ctx, run.CreateRequest{
		SubjectRef: "issue:42",
		Template:   "delivery",
		Priority:   7,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.ID == "" {
		t.Fatal("expected assigned id")
	}
	if r.Status != run.StatusPending {
		t.Fatalf("expected pending, got %s", r.Status)
	}

	e, ok := q.PeekReady(nil)
	if !ok {
		t.Fatal("expected first phase enqueued")
	}
	if e.RunID != r.ID || e.Phase != "plan" || e.Priority != 7 {
		t.Fatalf("unexpected queue entry: %+v", e)
	}
	if !hub.sawType(event.TypeRunCreated) {
		t.Fatal("expected run.created event")
	}
}

func TestRunService_CreateValidation(t *testing.T) {
	svc, _, q, _, _ := newRunService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  run.CreateRequest
		want error
	}{
		{"missing subject", run.CreateRequest{Template: "delivery"}, run.ErrMissingSubject},
		{"missing template", run.CreateRequest{SubjectRef: "issue:1"}, run.ErrMissingTemplate},
		{"negative priority", run.CreateRequest{SubjectRef: "issue:1", Template: "delivery", Priority: -1}, run.ErrInvalidPriority},
		{"unknown template", run.CreateRequest{SubjectRef: "issue:1", Template: "bogus"}, domain.ErrUnknownTemplate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if q.Depth() != 0 {
		t.Fatal("rejected requests must not enqueue")
	}
}

func TestRunService_GetServesFromCache(t *testing.T) {
	svc, store, _, _, _ := newRunService(t)
	ctx := context.Background()

	r, err := svc.Create(ctx, run.CreateRequest{SubjectRef: "issue:1", Template: "delivery"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := svc.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first.Status != run.StatusPending {
		t.Fatalf("expected pending, got %s", first.Status)
	}

	// Mutate behind the cache: the next read within the TTL still sees the
	// cached copy.
	if err := store.UpdateRunStatus(ctx, r.ID, run.StatusRunning, "plan", ""); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	second, err := svc.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if second.Status != run.StatusPending {
		t.Fatalf("expected cached pending, got %s", second.Status)
	}
}

func TestRunService_GetNotFound(t *testing.T) {
	svc, _, _, _, _ := newRunService(t)
	if _, err := svc.Get(context.Background(), "no-such-run"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunService_Cancel(t *testing.T) {
	svc, store, q, hub, c := newRunService(t)
	ctx := context.Background()

	r, err := svc.Create(ctx, run.CreateRequest{SubjectRef: "issue:1", Template: "delivery"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Prime the cache so Cancel has something to invalidate.
	if _, err := svc.Get(ctx, r.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}

	if err := svc.Cancel(ctx, r.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if q.Depth() != 0 {
		t.Fatal("cancel must drop queued entries")
	}
	loaded, _ := store.GetRun(ctx, r.ID)
	if loaded.Status != run.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", loaded.Status)
	}
	if _, ok, _ := c.Get(ctx, runCacheKey(r.ID)); ok {
		t.Fatal("cancel must invalidate the cached run")
	}
	if !hub.sawType(event.TypeRunStatus) {
		t.Fatal("expected run.status event")
	}
}

func TestRunService_CancelTerminalRejected(t *testing.T) {
	svc, store, _, _, _ := newRunService(t)
	ctx := context.Background()

	r, err := svc.Create(ctx, run.CreateRequest{SubjectRef: "issue:1", Template: "delivery"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.UpdateRunStatus(ctx, r.ID, run.StatusCompleted, "ship", ""); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	if err := svc.Cancel(ctx, r.ID); err == nil {
		t.Fatal("cancelling a terminal run must fail")
	}
}

func TestRunService_Templates(t *testing.T) {
	svc, _, _, _, _ := newRunService(t)
	list := svc.Templates()
	if len(list) != 1 || list[0].Name != "delivery" {
		t.Fatalf("unexpected templates: %+v", list)
	}
}
