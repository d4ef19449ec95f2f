package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/crankshaft-ci/crankshaft/internal/adapter/ws"
	"github.com/crankshaft-ci/crankshaft/internal/domain/event"
	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
	"github.com/crankshaft-ci/crankshaft/internal/domain/template"
	"github.com/crankshaft-ci/crankshaft/internal/port/broadcast"
	"github.com/crankshaft-ci/crankshaft/internal/port/messagequeue"
	"github.com/crankshaft-ci/crankshaft/internal/port/statestore"
)

// Gate vetoes continuation of a nominally completed phase. The default gate
// distinguishes process-exit success from semantic success: a phase that
// exited cleanly but recorded errors must not cascade into downstream
// phases. Warnings alone permit continuation.
type Gate func(res run.PhaseResult) bool

// DefaultGate rejects any phase result carrying errors.
func DefaultGate(res run.PhaseResult) bool {
	return len(res.Errors) == 0
}

// Continuation consumes phase-completion events, applies the success and
// quality gates, consults the sequencer, and either enqueues the next phase
// or halts the run.
type Continuation struct {
	store     statestore.Store
	templates *template.Registry
	queue     *PhaseQueue
	launcher  *Launcher
	scheduler *Scheduler
	mq        messagequeue.Queue
	hub       broadcast.Broadcaster
	gate      Gate
}

// NewContinuation creates the controller with the default quality gate.
func NewContinuation(store statestore.Store, templates *template.Registry,
	queue *PhaseQueue, launcher *Launcher, scheduler *Scheduler,
	mq messagequeue.Queue, hub broadcast.Broadcaster) *Continuation {
	return &Continuation{
		store:     store,
		templates: templates,
		queue:     queue,
		launcher:  launcher,
		scheduler: scheduler,
		mq:        mq,
		hub:       hub,
		gate:      DefaultGate,
	}
}

// SetGate replaces the quality gate. A nil gate disables the quality check
// so only the phase's own success flag decides.
func (c *Continuation) SetGate(g Gate) {
	c.gate = g
}

// Start subscribes to phase completion and output subjects.
func (c *Continuation) Start(ctx context.Context) (cancel func(), err error) {
	cancelComplete, err := c.mq.Subscribe(ctx, messagequeue.SubjectPhaseComplete, func(msgCtx context.Context, _ string, data []byte) error {
		var payload messagequeue.PhaseCompletePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("unmarshal phase completion: %w", err)
		}
		return c.HandleCompletion(msgCtx, payload)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe completions: %w", err)
	}

	cancelOutput, err := c.mq.Subscribe(ctx, messagequeue.SubjectPhaseOutput, func(msgCtx context.Context, _ string, data []byte) error {
		var payload messagequeue.PhaseOutputPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("unmarshal phase output: %w", err)
		}
		if c.hub != nil {
			c.hub.BroadcastEvent(msgCtx, event.TypePhaseOutput, ws.PhaseOutputEvent{
				RunID:  payload.RunID,
				Phase:  payload.Phase,
				Line:   payload.Line,
				Stream: payload.Stream,
			})
		}
		return nil
	})
	if err != nil {
		cancelComplete()
		return nil, fmt.Errorf("subscribe output: %w", err)
	}

	return func() {
		cancelComplete()
		cancelOutput()
	}, nil
}

// HandleCompletion processes one phase completion report. If the payload
// carries a result, it is saved on the runner's behalf first; either way the
// decision is made from the freshly merged persisted state, never from the
// payload alone.
func (c *Continuation) HandleCompletion(ctx context.Context, payload messagequeue.PhaseCompletePayload) error {
	if payload.RunID == "" || payload.Phase == "" {
		return fmt.Errorf("phase completion missing run id or phase")
	}

	if payload.Result != nil {
		r, err := c.store.GetRun(ctx, payload.RunID)
		if err != nil {
			return fmt.Errorf("load run for completion: %w", err)
		}
		r.PhaseResults[payload.Phase] = *payload.Result
		if err := c.store.Save(ctx, r, payload.Phase); err != nil {
			return fmt.Errorf("save reported result: %w", err)
		}
	}

	if c.launcher != nil {
		c.launcher.MarkReported(payload.RunID, payload.Phase)
	}

	r, err := c.store.GetRun(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("load run for evaluation: %w", err)
	}
	if r.Status == run.StatusCancelled {
		slog.Info("ignoring completion for cancelled run", "run_id", r.ID, "phase", payload.Phase)
		return nil
	}

	res, ok := r.PhaseResults[payload.Phase]
	if !ok {
		// The runner reported completion but never persisted a result.
		c.halt(ctx, r, payload.Phase, run.StatusFailed, "phase reported completion without a persisted result")
		return nil
	}

	if c.hub != nil {
		c.hub.BroadcastEvent(ctx, event.TypePhaseCompleted, ws.PhaseCompletedEvent{
			RunID:           r.ID,
			Phase:           payload.Phase,
			Success:         res.Success,
			DurationSeconds: res.Duration.Seconds(),
		})
	}

	// Gate (a): the phase's own success flag.
	if !res.Success {
		c.halt(ctx, r, payload.Phase, run.StatusFailed, failureMessage(res))
		return nil
	}

	// Gate (b): semantic success. Exit-zero with recorded errors is not
	// success for continuation purposes.
	if c.gate != nil && !c.gate(res) {
		c.halt(ctx, r, payload.Phase, run.StatusFailed, failureMessage(res))
		return nil
	}

	next, more, err := c.templates.NextPhase(r.Template, payload.Phase, res.Outcome())
	if err != nil {
		// Unknown template or phase is a configuration defect, fatal to the run.
		c.halt(ctx, r, payload.Phase, run.StatusFailed, err.Error())
		return nil
	}

	if !more {
		c.halt(ctx, r, payload.Phase, run.StatusCompleted, "")
		return nil
	}

	c.queue.Enqueue(ctx, Entry{
		RunID:        r.ID,
		Phase:        next,
		Priority:     r.Priority,
		Dependencies: []string{payload.Phase},
	})
	if c.hub != nil {
		c.hub.BroadcastEvent(ctx, event.TypeRunContinued, ws.RunStatusEvent{
			RunID:        r.ID,
			SubjectRef:   r.SubjectRef,
			Status:       string(r.Status),
			CurrentPhase: next,
		})
	}
	if c.scheduler != nil {
		c.scheduler.Kick()
	}
	slog.Info("auto-continuing run", "run_id", r.ID, "completed", payload.Phase, "next", next)
	return nil
}

// halt marks the run terminal and broadcasts the transition.
func (c *Continuation) halt(ctx context.Context, r *run.Run, phase string, status run.Status, errMsg string) {
	if err := c.store.UpdateRunStatus(ctx, r.ID, status, phase, errMsg); err != nil {
		slog.Error("update run status", "run_id", r.ID, "status", status, "error", err)
		return
	}

	if c.hub != nil {
		c.hub.BroadcastEvent(ctx, event.TypeRunHalted, ws.RunStatusEvent{
			RunID:        r.ID,
			SubjectRef:   r.SubjectRef,
			Status:       string(status),
			CurrentPhase: phase,
			Error:        errMsg,
		})
	}
	slog.Info("run halted", "run_id", r.ID, "phase", phase, "status", status, "error", errMsg)
}

// failureMessage extracts a one-line attribution from a failed result.
func failureMessage(res run.PhaseResult) string {
	if len(res.Errors) > 0 {
		return fmt.Sprintf("phase %s: %s", res.Phase, res.Errors[0].Message)
	}
	return fmt.Sprintf("phase %s failed", res.Phase)
}
