package service

import (
	"context"
	"testing"
	"time"

	"github.com/crankshaft-ci/crankshaft/internal/adapter/memory"
	"github.com/crankshaft-ci/crankshaft/internal/config"
	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
	"github.com/crankshaft-ci/crankshaft/internal/lock"
	"github.com/crankshaft-ci/crankshaft/internal/port/messagequeue"
	"github.com/crankshaft-ci/crankshaft/internal/slot"
	"github.com/crankshaft-ci/crankshaft/internal/workspace"
)

func testRuntime() config.Runtime {
	return config.Runtime{
		RunnerCommand: "true", // exits immediately without reporting
		PhaseTimeout:  100 * time.Millisecond,
		CancelGrace:   50 * time.Millisecond,
	}
}

func testLocks() config.Locks {
	return config.Locks{
		LeaseDuration:  time.Minute,
		RenewInterval:  30 * time.Second,
		AcquireRetries: 0,
		AcquireBackoff: 10 * time.Millisecond,
	}
}

type schedFixture struct {
	store *memory.Store
	locks *lock.Manager
	pool  *slot.Pool
	queue *PhaseQueue
	mq    *mockMQ
	sched *Scheduler
}

func newSchedFixture(t *testing.T, slots int) *schedFixture {
	t.Helper()
	store := memory.NewStore()
	locks := lock.NewManager(nil)
	pool := slot.NewPool(slots, nil)
	q := NewPhaseQueue(nil)
	mq := newMockMQ()
	launcher := NewLauncher(store, locks, pool, workspace.NewManager(t.TempDir(), 2), mq, nil, testRuntime(), testLocks())
	sched := NewScheduler(q, pool, store, launcher, time.Hour) // tick disabled; tests call dispatch
	return &schedFixture{store: store, locks: locks, pool: pool, queue: q, mq: mq, sched: sched}
}

func (f *schedFixture) createRun(t *testing.T, subject string, priority int) *run.Run {
	t.Helper()
	r := &run.Run{SubjectRef: subject, Template: "delivery", Priority: priority}
	if err := f.store.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return r
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDispatch_LaunchesHighestPriorityFirst(t *testing.T) {
	f := newSchedFixture(t, 1)
	ctx := context.Background()

	low := f.createRun(t, "issue:1", 1)
	high := f.createRun(t, "issue:2", 9)
	f.queue.Enqueue(ctx, Entry{RunID: low.ID, Phase: "plan", Priority: low.Priority})
	f.queue.Enqueue(ctx, Entry{RunID: high.ID, Phase: "plan", Priority: high.Priority})

	f.sched.dispatch(ctx)

	// Only the high-priority entry fits the single slot.
	if f.queue.Depth() != 1 {
		t.Fatalf("expected 1 entry left, got %d", f.queue.Depth())
	}
	left, _ := f.queue.PeekReady(nil)
	if left.RunID != low.ID {
		t.Fatalf("expected low-priority entry left, got %s", left.RunID)
	}

	loaded, _ := f.store.GetRun(ctx, high.ID)
	if loaded.Status != run.StatusRunning || loaded.CurrentPhase != "plan" {
		t.Fatalf("expected high run running plan, got %s/%s", loaded.Status, loaded.CurrentPhase)
	}

	// The runner exits without reporting; the timeout watcher synthesizes a
	// failure, frees the slot, and publishes the completion it never sent.
	waitFor(t, func() bool { return f.pool.Occupied() == 0 }, "slot never released")
	waitFor(t, func() bool {
		return len(f.mq.publishedTo(messagequeue.SubjectPhaseComplete)) > 0
	}, "synthetic completion never published")

	loaded, _ = f.store.GetRun(ctx, high.ID)
	res, ok := loaded.PhaseResults["plan"]
	if !ok || res.Success {
		t.Fatalf("expected synthetic failure result, got %+v ok=%v", res, ok)
	}
	if len(res.Errors) == 0 || res.Errors[0].Message != "timeout, no result reported" {
		t.Fatalf("unexpected synthetic error: %+v", res.Errors)
	}
}

func TestDispatch_PoolFullLeavesEntriesQueued(t *testing.T) {
	f := newSchedFixture(t, 1)
	ctx := context.Background()

	a := f.createRun(t, "issue:1", 5)
	b := f.createRun(t, "issue:2", 5)
	f.queue.Enqueue(ctx, Entry{RunID: a.ID, Phase: "plan", Priority: 5})
	f.queue.Enqueue(ctx, Entry{RunID: b.ID, Phase: "plan", Priority: 5})

	f.sched.dispatch(ctx)
	if f.queue.Depth() != 1 {
		t.Fatalf("second entry must stay queued, depth %d", f.queue.Depth())
	}

	// After the slot frees, another pass picks it up.
	waitFor(t, func() bool { return f.pool.Occupied() == 0 }, "slot never released")
	f.sched.dispatch(ctx)
	if f.queue.Depth() != 0 {
		t.Fatalf("expected queue drained, depth %d", f.queue.Depth())
	}
	waitFor(t, func() bool { return f.pool.Occupied() == 0 }, "second slot never released")
}

func TestDispatch_LockBusyRequeues(t *testing.T) {
	f := newSchedFixture(t, 2)
	ctx := context.Background()

	r := f.createRun(t, "issue:7", 5)
	// Another holder owns the subject lease.
	if _, err := f.locks.Acquire(ctx, "subject:issue:7", "someone-else", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	f.queue.Enqueue(ctx, Entry{RunID: r.ID, Phase: "plan", Priority: 5})
	orig, _ := f.queue.PeekReady(nil)

	f.sched.dispatch(ctx)

	if f.queue.Depth() != 1 {
		t.Fatal("busy lease must requeue the entry, not drop it")
	}
	if f.pool.Occupied() != 0 {
		t.Fatal("slot must be released when launch is refused")
	}
	requeued, _ := f.queue.PeekReady(nil)
	if !requeued.EnqueuedAt.Equal(orig.EnqueuedAt) {
		t.Fatal("requeue must keep the original enqueue time")
	}
}

func TestDispatch_SkipsTerminalRuns(t *testing.T) {
	f := newSchedFixture(t, 2)
	ctx := context.Background()

	r := f.createRun(t, "issue:8", 5)
	if err := f.store.UpdateRunStatus(ctx, r.ID, run.StatusCancelled, "", ""); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	f.queue.Enqueue(ctx, Entry{RunID: r.ID, Phase: "plan", Priority: 5})

	f.sched.dispatch(ctx)

	if f.pool.Occupied() != 0 {
		t.Fatal("terminal run must not be launched")
	}
}

func TestDispatch_DependencyGating(t *testing.T) {
	f := newSchedFixture(t, 2)
	ctx := context.Background()

	r := f.createRun(t, "issue:9", 5)
	f.queue.Enqueue(ctx, Entry{
		RunID: r.ID, Phase: "ship", Priority: 5,
		Dependencies: []string{"build"},
	})

	// build has not succeeded: entry stays.
	f.sched.dispatch(ctx)
	if f.queue.Depth() != 1 {
		t.Fatal("entry with unmet dependency must not dispatch")
	}

	// Record a successful build, then the entry becomes eligible.
	loaded, _ := f.store.GetRun(ctx, r.ID)
	loaded.PhaseResults["build"] = run.PhaseResult{Phase: "build", Success: true, Attempt: 1}
	if err := f.store.Save(ctx, loaded, "build"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	f.sched.dispatch(ctx)
	if f.queue.Depth() != 0 {
		t.Fatal("entry with satisfied dependency must dispatch")
	}
}

func TestKick_NonBlocking(t *testing.T) {
	f := newSchedFixture(t, 1)
	// Repeated kicks without a running loop must never block.
	for range 10 {
		f.sched.Kick()
	}
}
