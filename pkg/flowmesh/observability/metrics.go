package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records flowmesh metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStepExecution records one step invocation with its duration and
	// error status.
	RecordStepExecution(ctx context.Context, stepID string, duration time.Duration, err error)

	// RecordProcessRun records a process run completion.
	RecordProcessRun(ctx context.Context, success bool, duration time.Duration)

	// RecordSuperstep records one superstep's dispatch width.
	RecordSuperstep(ctx context.Context, processID string, messageCount int)

	// RecordStorageOp records a storage read/write.
	RecordStorageOp(ctx context.Context, op string, sizeBytes int64, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	stepExecutions  metric.Int64Counter
	stepLatency     metric.Float64Histogram
	stepErrors      metric.Int64Counter
	processRuns     metric.Int64Counter
	processLatency  metric.Float64Histogram
	superstepWidth  metric.Int64Histogram
	storageOpSize   metric.Int64Histogram
	storageOpErrors metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("flowmesh")

	stepExecutions, err := meter.Int64Counter("flowmesh.step.executions",
		metric.WithDescription("Number of step invocations"))
	if err != nil {
		return nil, err
	}

	stepLatency, err := meter.Float64Histogram("flowmesh.step.latency_ms",
		metric.WithDescription("Step invocation latency in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	stepErrors, err := meter.Int64Counter("flowmesh.step.errors",
		metric.WithDescription("Number of step invocation errors"))
	if err != nil {
		return nil, err
	}

	processRuns, err := meter.Int64Counter("flowmesh.process.runs",
		metric.WithDescription("Number of process runs"))
	if err != nil {
		return nil, err
	}

	processLatency, err := meter.Float64Histogram("flowmesh.process.latency_ms",
		metric.WithDescription("Process run latency in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	superstepWidth, err := meter.Int64Histogram("flowmesh.superstep.width",
		metric.WithDescription("Number of messages dispatched per superstep"))
	if err != nil {
		return nil, err
	}

	storageOpSize, err := meter.Int64Histogram("flowmesh.storage.op_size_bytes",
		metric.WithDescription("Storage payload size in bytes"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	storageOpErrors, err := meter.Int64Counter("flowmesh.storage.op_errors",
		metric.WithDescription("Number of storage operation failures"))
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		stepExecutions:  stepExecutions,
		stepLatency:     stepLatency,
		stepErrors:      stepErrors,
		processRuns:     processRuns,
		processLatency:  processLatency,
		superstepWidth:  superstepWidth,
		storageOpSize:   storageOpSize,
		storageOpErrors: storageOpErrors,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordStepExecution(ctx context.Context, stepID string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{attribute.String("step_id", stepID)}
	m.stepExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.stepLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		m.stepErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *otelMetrics) RecordProcessRun(ctx context.Context, success bool, duration time.Duration) {
	attrs := []attribute.KeyValue{attribute.Bool("success", success)}
	m.processRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.processLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

func (m *otelMetrics) RecordSuperstep(ctx context.Context, processID string, messageCount int) {
	attrs := []attribute.KeyValue{attribute.String("process_id", processID)}
	m.superstepWidth.Record(ctx, int64(messageCount), metric.WithAttributes(attrs...))
}

func (m *otelMetrics) RecordStorageOp(ctx context.Context, op string, sizeBytes int64, err error) {
	attrs := []attribute.KeyValue{attribute.String("op", op)}
	m.storageOpSize.Record(ctx, sizeBytes, metric.WithAttributes(attrs...))
	if err != nil {
		m.storageOpErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
