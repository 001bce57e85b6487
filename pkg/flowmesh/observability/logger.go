// Package observability provides production-grade observability for
// flowmesh: structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds flowmesh process context to a logger.
func EnrichLogger(logger *slog.Logger, runID, processID string, superstep int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("process_id", processID),
		slog.Int("superstep", superstep),
	)
}

// LogProcessStart logs the start of a process execution.
func LogProcessStart(logger *slog.Logger, processID, runID string) {
	if logger == nil {
		return
	}
	logger.Info("process starting",
		slog.String("process_id", processID),
		slog.String("run_id", runID),
	)
}

// LogProcessComplete logs successful process termination.
func LogProcessComplete(logger *slog.Logger, processID, runID string, durationMs float64, supersteps int) {
	if logger == nil {
		return
	}
	logger.Info("process completed",
		slog.String("process_id", processID),
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("supersteps", supersteps),
	)
}

// LogProcessError logs process failure.
func LogProcessError(logger *slog.Logger, processID, runID string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("process failed",
		slog.String("process_id", processID),
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogSuperstepStart logs the start of one superstep.
func LogSuperstepStart(logger *slog.Logger, superstep, pendingCount int) {
	if logger == nil {
		return
	}
	logger.Debug("superstep starting",
		slog.Int("superstep", superstep),
		slog.Int("pending", pendingCount),
	)
}

// LogStepDispatch logs one step invocation being dispatched.
func LogStepDispatch(logger *slog.Logger, stepID, functionName string) {
	if logger == nil {
		return
	}
	logger.Debug("dispatching step",
		slog.String("step_id", stepID),
		slog.String("function", functionName),
	)
}

// LogStepError logs a step invocation error.
func LogStepError(logger *slog.Logger, stepID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("step failed",
		slog.String("step_id", stepID),
		slog.String("error", err.Error()),
	)
}

// LogStorageError logs a non-fatal storage failure.
func LogStorageError(logger *slog.Logger, op, stepID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("storage operation failed",
		slog.String("operation", op),
		slog.String("step_id", stepID),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation. The returned
// function reports elapsed milliseconds when called.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
