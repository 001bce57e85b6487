package flowmesh

import (
	"log/slog"
	"time"

	flowerrors "github.com/arlojenkins/flowmesh/pkg/flowmesh/errors"
	"github.com/arlojenkins/flowmesh/pkg/flowmesh/observability"
	"github.com/arlojenkins/flowmesh/pkg/flowmesh/saga"
	"github.com/arlojenkins/flowmesh/pkg/flowmesh/storage"
)

// orchestratorConfig holds every construction-time setting an Option may
// adjust. Unexported; callers only ever see the Option functions.
type orchestratorConfig struct {
	storage        storage.Manager
	logger         *slog.Logger
	filter         EventFilter
	external       ExternalChannel
	retry          *flowerrors.RetryConfig
	maxSupersteps  int
	emptyThreshold int
	emptyPollDelay time.Duration
	tracingEnabled bool
	metricsEnabled bool
	spans          observability.SpanManager
	metrics        observability.MetricsRecorder
	compensation   *saga.Definition
}

func defaultOrchestratorConfig() orchestratorConfig {
	return orchestratorConfig{
		maxSupersteps:  10000,
		emptyThreshold: 3,
		emptyPollDelay: 10 * time.Millisecond,
		spans:          observability.NoopSpanManager{},
		metrics:        observability.NoopMetrics{},
	}
}

// Option configures an Orchestrator at construction.
type Option func(*orchestratorConfig)

// WithStorage installs the storage manager used for process/step/edge-group
// persistence. Without one, the orchestrator runs memory-only and restart
// continuity (spec scenario F) is unavailable.
func WithStorage(m storage.Manager) Option {
	return func(c *orchestratorConfig) { c.storage = m }
}

// WithLogger installs a structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *orchestratorConfig) { c.logger = l }
}

// WithEventFilter installs an EventFilter evaluated before routing.
func WithEventFilter(f EventFilter) Option {
	return func(c *orchestratorConfig) { c.filter = f }
}

// WithExternalChannel installs the adapter EmitTarget edges deliver to.
func WithExternalChannel(ch ExternalChannel) Option {
	return func(c *orchestratorConfig) { c.external = ch }
}

// WithStepRetry configures retrying a failing step invocation before its
// error event is emitted, applied to every function step in the process
// that doesn't already carry its own retry config via function_step.go's
// WithRetry FunctionStepOption.
func WithStepRetry(cfg flowerrors.RetryConfig) Option {
	return func(c *orchestratorConfig) { c.retry = &cfg }
}

// WithMaxSupersteps bounds the superstep loop; exceeding it without reaching
// quiescence or the end sentinel returns a MaxSuperstepsError.
func WithMaxSupersteps(n int) Option {
	return func(c *orchestratorConfig) { c.maxSupersteps = n }
}

// WithEmptySuperstepThreshold sets how many consecutive empty supersteps
// ExecuteOnce tolerates before concluding the process has quiesced.
func WithEmptySuperstepThreshold(n int) Option {
	return func(c *orchestratorConfig) { c.emptyThreshold = n }
}

// WithEmptyPollDelay sets how long Run idles between drains while waiting
// for new external events in continuous mode.
func WithEmptyPollDelay(d time.Duration) Option {
	return func(c *orchestratorConfig) { c.emptyPollDelay = d }
}

// WithTracing enables OpenTelemetry span creation around process runs,
// supersteps and step invocations.
func WithTracing() Option {
	return func(c *orchestratorConfig) {
		c.tracingEnabled = true
		c.spans = observability.NewSpanManager()
	}
}

// WithMetrics enables OpenTelemetry metrics recording.
func WithMetrics() Option {
	return func(c *orchestratorConfig) {
		c.metricsEnabled = true
		c.metrics = observability.NewMetricsRecorder()
	}
}

// WithCompensation registers a saga definition run as compensation whenever
// this process reaches its global error target: an error event with no
// step-specific route starts an execution of def, seeded with the failing
// event's data, so already-completed steps named in def can roll back in
// reverse order. See Orchestrator.CompensationExecutions for introspection.
func WithCompensation(def *saga.Definition) Option {
	return func(c *orchestratorConfig) { c.compensation = def }
}
