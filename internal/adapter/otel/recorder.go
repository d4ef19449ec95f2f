package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/crankshaft-ci/crankshaft/internal/adapter/ws"
	"github.com/crankshaft-ci/crankshaft/internal/domain/event"
	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
	"github.com/crankshaft-ci/crankshaft/internal/port/broadcast"
)

// Recorder decorates a Broadcaster and records metric instruments from the
// coordination event stream, so services stay unaware of metrics plumbing.
type Recorder struct {
	next    broadcast.Broadcaster
	metrics *Metrics
}

// NewRecorder wraps next. next may be nil to record metrics only.
func NewRecorder(next broadcast.Broadcaster, m *Metrics) *Recorder {
	return &Recorder{next: next, metrics: m}
}

// BroadcastEvent records the event's instruments and forwards it.
func (r *Recorder) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	r.record(ctx, eventType, payload)
	if r.next != nil {
		r.next.BroadcastEvent(ctx, eventType, payload)
	}
}

func (r *Recorder) record(ctx context.Context, eventType string, payload any) {
	m := r.metrics
	if m == nil {
		return
	}

	switch eventType {
	case event.TypeRunCreated:
		m.RunsStarted.Add(ctx, 1)
	case event.TypeRunHalted:
		status, _ := payload.(ws.RunStatusEvent)
		switch status.Status {
		case string(run.StatusCompleted):
			m.RunsCompleted.Add(ctx, 1)
		case string(run.StatusFailed):
			m.RunsFailed.Add(ctx, 1)
		}
	case event.TypePhaseLaunched:
		m.PhasesLaunched.Add(ctx, 1)
	case event.TypePhaseTimeout:
		m.PhaseTimeouts.Add(ctx, 1)
	case event.TypePhaseCompleted:
		if done, ok := payload.(ws.PhaseCompletedEvent); ok {
			m.PhaseDuration.Record(ctx, done.DurationSeconds,
				metric.WithAttributes(
					attribute.String("phase", done.Phase),
					attribute.Bool("success", done.Success),
				))
		}
	case event.TypePhaseEnqueued:
		m.QueueDepth.Add(ctx, 1)
	case event.TypePhaseDequeued:
		m.QueueDepth.Add(ctx, -1)
	case event.TypeSlotAcquired:
		m.SlotsOccupied.Add(ctx, 1)
	case event.TypeSlotReleased:
		m.SlotsOccupied.Add(ctx, -1)
	}
}
