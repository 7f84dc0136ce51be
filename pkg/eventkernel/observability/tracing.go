package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("eventkernel")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartAppendSpan starts a span around one append batch.
	StartAppendSpan(ctx context.Context, sequence string, events int) (context.Context, trace.Span)

	// StartJobSpan starts a span covering a job run.
	StartJobSpan(ctx context.Context, jobType, jobID string) (context.Context, trace.Span)

	// StartStepSpan starts a span for one step. It should be a child of the job span.
	StartStepSpan(ctx context.Context, stepType, stepID string) (context.Context, trace.Span)

	// StartBatchSpan starts a span around one subscriber batch.
	StartBatchSpan(ctx context.Context, observerID string, from uint64, events int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, recording err when non-nil.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the span in ctx.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager backed by the global tracer provider.
func NewSpanManager() SpanManager {
	return otelSpanManager{}
}

func (otelSpanManager) StartAppendSpan(ctx context.Context, sequence string, events int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventkernel.append",
		trace.WithAttributes(
			attribute.String("sequence", sequence),
			attribute.Int("events", events),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (otelSpanManager) StartJobSpan(ctx context.Context, jobType, jobID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventkernel.job."+jobType,
		trace.WithAttributes(
			attribute.String("job.type", jobType),
			attribute.String("job.id", jobID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (otelSpanManager) StartStepSpan(ctx context.Context, stepType, stepID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventkernel.step."+stepType,
		trace.WithAttributes(
			attribute.String("step.type", stepType),
			attribute.String("step.id", stepID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (otelSpanManager) StartBatchSpan(ctx context.Context, observerID string, from uint64, events int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventkernel.observer.batch",
		trace.WithAttributes(
			attribute.String("observer.id", observerID),
			attribute.Int64("batch.from", int64(from)),
			attribute.Int("batch.events", events),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
