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

func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)

	originalProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("flowmesh")

	cleanup := func() {
		otel.SetTracerProvider(originalProvider)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	}

	return exporter, cleanup
}

func TestSpanManager_ProcessSpan(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()

	t.Run("creates span with correct name and attributes", func(t *testing.T) {
		ctx := context.Background()
		_, span := sm.StartProcessSpan(ctx, "my-process", "run-123")
		require.NotNil(t, span)
		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)

		s := spans[0]
		assert.Equal(t, "flowmesh.process", s.Name)

		var processID, runID string
		for _, attr := range s.Attributes {
			switch attr.Key {
			case "process.id":
				processID = attr.Value.AsString()
			case "run.id":
				runID = attr.Value.AsString()
			}
		}
		assert.Equal(t, "my-process", processID)
		assert.Equal(t, "run-123", runID)
	})
}

func TestSpanManager_SuperstepSpan(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()

	t.Run("creates span with superstep attribute", func(t *testing.T) {
		ctx := context.Background()
		_, span := sm.StartSuperstepSpan(ctx, "proc-1", 4)
		require.NotNil(t, span)
		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, "flowmesh.superstep", spans[0].Name)
	})
}

func TestSpanManager_StepSpan(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()

	t.Run("creates span with step name suffix", func(t *testing.T) {
		ctx := context.Background()
		_, span := sm.StartStepSpan(ctx, "fetch", "Run")
		require.NotNil(t, span)
		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)

		s := spans[0]
		assert.Equal(t, "flowmesh.step.fetch", s.Name)

		var stepID string
		for _, attr := range s.Attributes {
			if attr.Key == "step.id" {
				stepID = attr.Value.AsString()
			}
		}
		assert.Equal(t, "fetch", stepID)
	})

	t.Run("child spans have correct parent", func(t *testing.T) {
		exporter.Reset()

		ctx := context.Background()
		ctx, procSpan := sm.StartProcessSpan(ctx, "proc", "run-1")

		_, stepSpan := sm.StartStepSpan(ctx, "step1", "Run")
		stepSpan.End()
		procSpan.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 2)

		var stepSpanData *tracetest.SpanStub
		for i := range spans {
			if spans[i].Name == "flowmesh.step.step1" {
				stepSpanData = &spans[i]
				break
			}
		}
		require.NotNil(t, stepSpanData)
		assert.True(t, stepSpanData.Parent.IsValid())
	})
}

func TestSpanManager_EndSpanWithError(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()

	t.Run("sets OK status for nil error", func(t *testing.T) {
		_, span := sm.StartProcessSpan(context.Background(), "proc", "run-1")
		sm.EndSpanWithError(span, nil)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Ok, spans[0].Status.Code)
	})

	t.Run("sets Error status and records error", func(t *testing.T) {
		exporter.Reset()

		_, span := sm.StartProcessSpan(context.Background(), "proc", "run-2")
		testErr := errors.New("something went wrong")
		sm.EndSpanWithError(span, testErr)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)

		s := spans[0]
		assert.Equal(t, codes.Error, s.Status.Code)
		assert.Equal(t, "something went wrong", s.Status.Description)

		found := false
		for _, event := range s.Events {
			if event.Name == "exception" {
				found = true
			}
		}
		assert.True(t, found, "Expected exception event")
	})

	t.Run("nil span does not panic", func(t *testing.T) {
		assert.NotPanics(t, func() {
			sm.EndSpanWithError(nil, nil)
		})
		assert.NotPanics(t, func() {
			sm.EndSpanWithError(nil, errors.New("test"))
		})
	})
}

func TestSpanManager_AddSpanEvent(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()

	t.Run("adds event to current span", func(t *testing.T) {
		ctx, span := sm.StartProcessSpan(context.Background(), "proc", "run-1")

		sm.AddSpanEvent(ctx, "state_updated",
			attribute.String("step_id", "fetch"),
			attribute.Int64("size_bytes", 1024),
		)
		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)

		s := spans[0]
		require.NotEmpty(t, s.Events)

		var found bool
		for _, event := range s.Events {
			if event.Name == "state_updated" {
				found = true
			}
		}
		assert.True(t, found, "Expected to find state_updated event")
	})

	t.Run("no panic with no current span", func(t *testing.T) {
		assert.NotPanics(t, func() {
			sm.AddSpanEvent(context.Background(), "test_event")
		})
	})
}
