package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "crankshaft"

// StartRunSpan starts a span covering a delivery run from creation onward.
func StartRunSpan(ctx context.Context, runID, subjectRef, template string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.subject_ref", subjectRef),
			attribute.String("run.template", template),
		),
	)
}

// StartPhaseSpan starts a span for one phase execution.
func StartPhaseSpan(ctx context.Context, runID, phase string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "phase",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("phase.name", phase),
			attribute.Int("phase.attempt", attempt),
		),
	)
}
