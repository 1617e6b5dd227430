package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies spans emitted by the harvester.
const TracerName = "github.com/jonesrussell/north-cloud/harvester"

// Tracer starts the spans used across the service.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses the global OpenTelemetry provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// JobSpan starts a span for one job execution.
// Caller is responsible for calling span.End().
//
//nolint:spancheck // span is returned to caller who manages its lifecycle
func (t *Tracer) JobSpan(ctx context.Context, jobID, jobType string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "worker.execute_job",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.type", jobType),
			attribute.Int("job.attempt", attempt),
		),
	)
}

// HarvestSpan starts a span for a harvest run.
//
//nolint:spancheck // span is returned to caller who manages its lifecycle
func (t *Tracer) HarvestSpan(ctx context.Context, sourceID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "harvester.harvest",
		trace.WithAttributes(attribute.String("source.id", sourceID)),
	)
}

// InvokeSpan starts a span for a gateway invocation.
//
//nolint:spancheck // span is returned to caller who manages its lifecycle
func (t *Tracer) InvokeSpan(ctx context.Context, userID, model, invocationID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "gateway.invoke",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("model.key", model),
			attribute.String("invocation.id", invocationID),
		),
	)
}

// Event adds a named event to the span in ctx.
func Event(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
