package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "crankshaft"

// Metrics holds all coordinator metric instruments.
type Metrics struct {
	RunsStarted    metric.Int64Counter
	RunsCompleted  metric.Int64Counter
	RunsFailed     metric.Int64Counter
	PhasesLaunched metric.Int64Counter
	PhaseTimeouts  metric.Int64Counter
	PhaseDuration  metric.Float64Histogram
	QueueDepth     metric.Int64UpDownCounter
	SlotsOccupied  metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("crankshaft.runs.started",
		metric.WithDescription("Number of runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("crankshaft.runs.completed",
		metric.WithDescription("Number of runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("crankshaft.runs.failed",
		metric.WithDescription("Number of runs failed"))
	if err != nil {
		return nil, err
	}

	m.PhasesLaunched, err = meter.Int64Counter("crankshaft.phases.launched",
		metric.WithDescription("Number of phase executions launched"))
	if err != nil {
		return nil, err
	}

	m.PhaseTimeouts, err = meter.Int64Counter("crankshaft.phases.timeouts",
		metric.WithDescription("Number of phase executions that exceeded the deadline"))
	if err != nil {
		return nil, err
	}

	m.PhaseDuration, err = meter.Float64Histogram("crankshaft.phase.duration_seconds",
		metric.WithDescription("Phase execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("crankshaft.queue.depth",
		metric.WithDescription("Entries waiting in the phase queue"))
	if err != nil {
		return nil, err
	}

	m.SlotsOccupied, err = meter.Int64UpDownCounter("crankshaft.slots.occupied",
		metric.WithDescription("Execution slots currently occupied"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
