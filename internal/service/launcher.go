package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/crankshaft-ci/crankshaft/internal/adapter/otel"
	"github.com/crankshaft-ci/crankshaft/internal/adapter/ws"
	"github.com/crankshaft-ci/crankshaft/internal/config"
	"github.com/crankshaft-ci/crankshaft/internal/domain"
	"github.com/crankshaft-ci/crankshaft/internal/domain/event"
	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
	"github.com/crankshaft-ci/crankshaft/internal/lock"
	"github.com/crankshaft-ci/crankshaft/internal/port/broadcast"
	"github.com/crankshaft-ci/crankshaft/internal/port/messagequeue"
	"github.com/crankshaft-ci/crankshaft/internal/port/statestore"
	"github.com/crankshaft-ci/crankshaft/internal/slot"
	"github.com/crankshaft-ci/crankshaft/internal/workspace"
)

// execution tracks one live phase subprocess from launch to slot release.
type execution struct {
	entry    Entry
	slot     *slot.Slot
	resource string
	attempt  int
	cancel   context.CancelFunc
	reported chan struct{} // closed when the completion report arrives
	once     sync.Once
}

// Launcher starts phase runner subprocesses. Each launch claims the run's
// resource lease, prepares the workspace, and supervises the process with a
// timeout watcher. A runner that never reports completion is failed
// synthetically so the run cannot hang a slot forever.
type Launcher struct {
	store      statestore.Store
	locks      *lock.Manager
	slots      *slot.Pool
	workspaces *workspace.Manager
	queue      messagequeue.Queue
	hub        broadcast.Broadcaster
	runtime    config.Runtime
	lockCfg    config.Locks
	onExit     func() // kicks the scheduler after a slot frees up

	mu    sync.Mutex
	procs map[string]*execution // keyed by runID/phase
}

// NewLauncher creates a Launcher. onExit may be nil.
func NewLauncher(store statestore.Store, locks *lock.Manager, slots *slot.Pool,
	workspaces *workspace.Manager, queue messagequeue.Queue, hub broadcast.Broadcaster,
	runtime config.Runtime, lockCfg config.Locks) *Launcher {
	return &Launcher{
		store:      store,
		locks:      locks,
		slots:      slots,
		workspaces: workspaces,
		queue:      queue,
		hub:        hub,
		runtime:    runtime,
		lockCfg:    lockCfg,
		procs:      make(map[string]*execution),
	}
}

// SetOnExit registers a callback invoked after every slot release.
func (l *Launcher) SetOnExit(fn func()) {
	l.onExit = fn
}

// Launch claims the run's resource lease and starts the phase subprocess.
// The slot must already be acquired by the caller; on any error the caller
// keeps responsibility for releasing it. Lock contention surfaces as
// domain.ErrLockBusy so the scheduler can re-enqueue rather than fail the run.
func (l *Launcher) Launch(ctx context.Context, e Entry, s *slot.Slot) error {
	r, err := l.store.GetRun(ctx, e.RunID)
	if err != nil {
		return fmt.Errorf("launch %s/%s: %w", e.RunID, e.Phase, err)
	}

	resource := "subject:" + r.SubjectRef
	if err := l.acquireLease(ctx, resource, e.RunID); err != nil {
		return err
	}

	dir, err := l.workspaces.Prepare(ctx, e.RunID)
	if err != nil {
		_ = l.locks.Release(ctx, resource, e.RunID)
		return fmt.Errorf("launch %s/%s: %w", e.RunID, e.Phase, err)
	}

	if err := l.store.UpdateRunStatus(ctx, e.RunID, run.StatusRunning, e.Phase, ""); err != nil {
		_ = l.locks.Release(ctx, resource, e.RunID)
		return fmt.Errorf("launch %s/%s: %w", e.RunID, e.Phase, err)
	}
	l.broadcastStatus(ctx, r, run.StatusRunning, e.Phase, "")

	execCtx, cancel := context.WithCancel(context.Background())
	x := &execution{
		entry:    e,
		slot:     s,
		resource: resource,
		attempt:  r.PhaseResults[e.Phase].Attempt + 1,
		cancel:   cancel,
		reported: make(chan struct{}),
	}

	l.mu.Lock()
	l.procs[e.occupant()] = x
	l.mu.Unlock()

	if l.hub != nil {
		l.hub.BroadcastEvent(ctx, event.TypePhaseLaunched, ws.QueueEvent{
			RunID: e.RunID, Phase: e.Phase, Priority: e.Priority,
		})
	}

	go l.supervise(execCtx, x, dir)
	return nil
}

// acquireLease retries a busy lease a bounded number of times before giving
// up, since the previous phase of the same subject may still be winding down.
func (l *Launcher) acquireLease(ctx context.Context, resource, holder string) error {
	var err error
	for attempt := 0; attempt <= l.lockCfg.AcquireRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.lockCfg.AcquireBackoff):
			}
		}
		_, err = l.locks.Acquire(ctx, resource, holder, l.lockCfg.LeaseDuration)
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("lease %s: %w", resource, domain.ErrLockBusy)
}

// MarkReported signals that the completion report for (runID, phase) arrived.
// Called by the continuation controller; stops the timeout watcher.
func (l *Launcher) MarkReported(runID, phase string) {
	l.mu.Lock()
	x, ok := l.procs[runID+"/"+phase]
	l.mu.Unlock()
	if ok {
		x.once.Do(func() { close(x.reported) })
	}
}

// Cancel stops any running phase of the run: interrupt first, then kill
// after the grace window. Queued entries are the queue's problem, not ours.
func (l *Launcher) Cancel(ctx context.Context, runID string) {
	l.mu.Lock()
	var targets []*execution
	for _, x := range l.procs {
		if x.entry.RunID == runID {
			targets = append(targets, x)
		}
	}
	l.mu.Unlock()

	for _, x := range targets {
		slog.Info("cancelling phase execution", "run_id", runID, "phase", x.entry.Phase)
		x.once.Do(func() { close(x.reported) })
		x.cancel()
		l.publishCancel(ctx, x.entry)
	}
}

// publishCancel tells out-of-process runners to stop the phase. The local
// subprocess is already signalled through its context.
func (l *Launcher) publishCancel(ctx context.Context, e Entry) {
	if l.queue == nil {
		return
	}
	payload, _ := json.Marshal(messagequeue.PhaseCancelPayload{RunID: e.RunID, Phase: e.Phase})
	if err := l.queue.Publish(ctx, messagequeue.SubjectPhaseCancel, payload); err != nil {
		slog.Warn("publish phase cancel", "run_id", e.RunID, "phase", e.Phase, "error", err)
	}
}

// Running reports whether any phase of the run is currently executing.
func (l *Launcher) Running(runID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, x := range l.procs {
		if x.entry.RunID == runID {
			return true
		}
	}
	return false
}

// supervise runs the phase subprocess and enforces the phase timeout. The
// runner writes its own PhaseResult to the store and reports completion over
// the queue; supervise only steps in when that never happens.
func (l *Launcher) supervise(ctx context.Context, x *execution, dir string) {
	defer l.finish(x)

	ctx, span := otel.StartPhaseSpan(ctx, x.entry.RunID, x.entry.Phase, x.attempt)
	defer span.End()

	renewDone := make(chan struct{})
	defer close(renewDone)
	go l.renewLease(x, renewDone)

	cmd := exec.CommandContext(ctx, l.runtime.RunnerCommand,
		"--run", x.entry.RunID,
		"--phase", x.entry.Phase,
		"--workspace", dir,
	)
	cmd.Dir = dir
	cmd.WaitDelay = l.runtime.CancelGrace

	stdout, err := cmd.StdoutPipe()
	if err == nil {
		go l.streamOutput(ctx, x, stdout, "stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err == nil {
		go l.streamOutput(ctx, x, stderr, "stderr")
	}

	if err := cmd.Start(); err != nil {
		slog.Error("phase runner failed to start", "run_id", x.entry.RunID, "phase", x.entry.Phase, "error", err)
		l.failSynthetically(x, "runner failed to start: "+err.Error())
		return
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	timeout := time.NewTimer(l.runtime.PhaseTimeout)
	defer timeout.Stop()

	select {
	case <-x.reported:
		// Completion handled by the continuation controller. The runner
		// gets one cancel-grace window to exit on its own; past that it
		// is cancelled so a lingering process cannot pin the slot.
		select {
		case <-exited:
		case <-time.After(l.runtime.CancelGrace):
			slog.Warn("runner still alive after reporting, cancelling",
				"run_id", x.entry.RunID, "phase", x.entry.Phase, "grace", l.runtime.CancelGrace)
			x.cancel()
			<-exited
		}
	case <-timeout.C:
		slog.Warn("phase timed out without reporting",
			"run_id", x.entry.RunID, "phase", x.entry.Phase, "timeout", l.runtime.PhaseTimeout)
		x.cancel()
		<-exited
		l.failSynthetically(x, "timeout, no result reported")
		if l.hub != nil {
			l.hub.BroadcastEvent(context.Background(), event.TypePhaseTimeout, ws.QueueEvent{
				RunID: x.entry.RunID, Phase: x.entry.Phase,
			})
		}
	}
}

// renewLease keeps the resource lease alive while the subprocess runs.
func (l *Launcher) renewLease(x *execution, done <-chan struct{}) {
	ticker := time.NewTicker(l.lockCfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := l.locks.Renew(ctx, x.resource, x.entry.RunID, l.lockCfg.LeaseDuration)
			cancel()
			if err != nil {
				slog.Warn("lease renewal failed", "resource", x.resource, "run_id", x.entry.RunID, "error", err)
				return
			}
		}
	}
}

// streamOutput forwards runner output lines to the observability sink.
func (l *Launcher) streamOutput(ctx context.Context, x *execution, r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if l.hub != nil {
			l.hub.BroadcastEvent(ctx, event.TypePhaseOutput, ws.PhaseOutputEvent{
				RunID:  x.entry.RunID,
				Phase:  x.entry.Phase,
				Line:   scanner.Text(),
				Stream: stream,
			})
		}
	}
}

// failSynthetically records a failure PhaseResult on the runner's behalf and
// emits the completion event the runner never sent, so the continuation
// controller halts the run through its normal path.
func (l *Launcher) failSynthetically(x *execution, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r, err := l.store.GetRun(ctx, x.entry.RunID)
	if err != nil {
		slog.Error("load run for synthetic failure", "run_id", x.entry.RunID, "error", err)
		return
	}

	now := time.Now()
	res := run.PhaseResult{
		Phase:     x.entry.Phase,
		Success:   false,
		Attempt:   r.PhaseResults[x.entry.Phase].Attempt + 1,
		Errors:    []run.Issue{{Message: msg}},
		StartedAt: x.slot.AcquiredAt,
		EndedAt:   now,
		Duration:  now.Sub(x.slot.AcquiredAt),
	}
	r.PhaseResults[x.entry.Phase] = res
	if err := l.store.Save(ctx, r, x.entry.Phase); err != nil {
		slog.Error("save synthetic failure", "run_id", x.entry.RunID, "phase", x.entry.Phase, "error", err)
	}

	if l.queue != nil {
		payload, _ := json.Marshal(messagequeue.PhaseCompletePayload{
			RunID: x.entry.RunID, Phase: x.entry.Phase, Success: false,
		})
		if err := l.queue.Publish(ctx, messagequeue.SubjectPhaseComplete, payload); err != nil {
			slog.Error("publish synthetic completion", "run_id", x.entry.RunID, "error", err)
		}
	}
}

// finish releases the resource lease and the slot, then kicks the scheduler.
func (l *Launcher) finish(x *execution) {
	l.mu.Lock()
	delete(l.procs, x.entry.occupant())
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.locks.Release(ctx, x.resource, x.entry.RunID); err != nil {
		// Expired leases are reclaimed by the next acquirer; nothing to do.
		slog.Debug("lease release skipped", "resource", x.resource, "error", err)
	}
	l.slots.Release(ctx, x.slot)

	if l.onExit != nil {
		l.onExit()
	}
}

func (l *Launcher) broadcastStatus(ctx context.Context, r *run.Run, status run.Status, phase, errMsg string) {
	if l.hub == nil {
		return
	}
	l.hub.BroadcastEvent(ctx, event.TypeRunStatus, ws.RunStatusEvent{
		RunID:        r.ID,
		SubjectRef:   r.SubjectRef,
		Status:       string(status),
		CurrentPhase: phase,
		Error:        errMsg,
	})
}
