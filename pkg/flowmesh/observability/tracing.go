package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the flowmesh tracer instance, using the global OTel tracer
// provider.
var tracer = otel.Tracer("flowmesh")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartProcessSpan starts a span for the entire process run.
	StartProcessSpan(ctx context.Context, processID, runID string) (context.Context, trace.Span)

	// StartSuperstepSpan starts a span for one superstep.
	StartSuperstepSpan(ctx context.Context, processID string, superstep int) (context.Context, trace.Span)

	// StartStepSpan starts a span for a step invocation.
	StartStepSpan(ctx context.Context, stepID, functionName string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the
// provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func (m *otelSpanManager) StartProcessSpan(ctx context.Context, processID, runID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "flowmesh.process",
		trace.WithAttributes(
			attribute.String("process.id", processID),
			attribute.String("run.id", runID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartSuperstepSpan(ctx context.Context, processID string, superstep int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "flowmesh.superstep",
		trace.WithAttributes(
			attribute.String("process.id", processID),
			attribute.Int("superstep", superstep),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartStepSpan(ctx context.Context, stepID, functionName string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "flowmesh.step."+stepID,
		trace.WithAttributes(
			attribute.String("step.id", stepID),
			attribute.String("function", functionName),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
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

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
