package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTracingTest(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("eventkernel")

	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		tracer = otel.Tracer("eventkernel")
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
	})
	return exporter
}

func TestSpanManager_JobAndStep(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	ctx, jobSpan := sm.StartJobSpan(context.Background(), "catch-up-observer", "job-1")
	_, stepSpan := sm.StartStepSpan(ctx, "handle-events-for-partition", "step-1")
	sm.EndSpanWithError(stepSpan, errors.New("handler failed"))
	sm.EndSpanWithError(jobSpan, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	step, job := spans[0], spans[1]
	assert.Equal(t, "eventkernel.step.handle-events-for-partition", step.Name)
	assert.Equal(t, codes.Error, step.Status.Code)
	assert.Equal(t, job.SpanContext.SpanID(), step.Parent.SpanID())

	assert.Equal(t, "eventkernel.job.catch-up-observer", job.Name)
	assert.Equal(t, codes.Ok, job.Status.Code)
	assert.Contains(t, job.Attributes, attribute.String("job.id", "job-1"))
}

func TestSpanManager_AppendAndBatch(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	ctx, span := sm.StartAppendSpan(context.Background(), "s/n/q", 4)
	sm.AddSpanEvent(ctx, "committed", attribute.Int("first", 0))
	sm.EndSpanWithError(span, nil)

	_, batch := sm.StartBatchSpan(context.Background(), "obs-1", 10, 3)
	sm.EndSpanWithError(batch, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "eventkernel.append", spans[0].Name)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "committed", spans[0].Events[0].Name)
	assert.Equal(t, "eventkernel.observer.batch", spans[1].Name)
	assert.Contains(t, spans[1].Attributes, attribute.Int64("batch.from", 10))
}

func TestNoopSpanManager(t *testing.T) {
	sm := NoopSpanManager{}
	ctx := context.Background()

	got, span := sm.StartJobSpan(ctx, "t", "id")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	sm.EndSpanWithError(span, errors.New("ignored"))
	sm.AddSpanEvent(ctx, "ignored")
}
