package flowmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arlojenkins/flowmesh/pkg/flowmesh/observability"
	"github.com/arlojenkins/flowmesh/pkg/flowmesh/registry"
	"github.com/arlojenkins/flowmesh/pkg/flowmesh/saga"
)

// StepFactory materializes the step instance for one StepInfo. Called at
// most once per (stepID, runID) via the orchestrator's lazy registry, per
// the lifecycle rule in §3: steps are materialized lazily on first use.
type StepFactory func(info *StepInfo) (Step, error)

// Disposer is implemented by steps that hold resources to release when
// their owning orchestrator is disposed. Checked by type assertion rather
// than added to Step itself, since most steps need no cleanup.
type Disposer interface {
	Dispose(ctx context.Context) error
}

// Orchestrator owns one process instance: the superstep loop, the lazily
// materialized step registry, and the bus those steps share.
type Orchestrator struct {
	info      *ProcessInfo
	pctx      *ProcessContext
	factories map[string]StepFactory
	cfg       orchestratorConfig

	steps *registry.Registry[string, stepOrErr]

	compensation *saga.Orchestrator

	mu          sync.Mutex
	state       any
	initialized bool
}

// stepOrErr holds a materialized step or the error its factory returned, so
// a failed materialization is never mistaken for a cached nil step on a
// later dispatch.
type stepOrErr struct {
	step Step
	err  error
}

// NewOrchestrator builds an orchestrator for a process definition. Routing
// tables are constructed immediately (process-level edges under the
// process id namespace, each step's edges under its `<stepID>_<runID>`
// namespace, global error edges, and every step's edge groups); the step
// instances themselves are left to materialize lazily on first dispatch.
func NewOrchestrator(info *ProcessInfo, pctx *ProcessContext, factories map[string]StepFactory, opts ...Option) (*Orchestrator, error) {
	if info == nil {
		return nil, fmt.Errorf("flowmesh: process info is required")
	}
	if pctx == nil {
		return nil, fmt.Errorf("flowmesh: process context is required")
	}
	if len(info.Edges) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEntryPoint, info.StepID)
	}

	cfg := defaultOrchestratorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.logger != nil:
		pctx.Logger = cfg.logger
	case pctx.Logger == nil:
		pctx.Logger = slog.Default()
	}
	pctx.Storage = cfg.storage
	pctx.Filter = cfg.filter
	pctx.External = cfg.external

	bus := NewBus(pctx.Logger)
	bus.SetFilter(cfg.filter)
	bus.IndexEdges(info.StepID, info.Edges)
	bus.IndexGlobalErrorEdges(info.GlobalErrorEdges)

	for _, step := range info.Steps {
		if err := validateStepDeclaration(info, step, factories); err != nil {
			return nil, err
		}
		bus.IndexEdges(stepNamespace(step.StepID, step.RunID), step.Edges)
		for _, g := range step.IncomingEdgeGroups {
			bus.RegisterEdgeGroup(g)
		}
	}

	pctx.Bus = bus

	var compensation *saga.Orchestrator
	if cfg.compensation != nil {
		compensation = saga.NewOrchestrator().WithLogger(pctx.Logger)
		if err := compensation.Register(cfg.compensation); err != nil {
			return nil, fmt.Errorf("flowmesh: register compensation saga: %w", err)
		}
		sagaName := cfg.compensation.Name
		bus.SetUnroutedErrorHook(func(evt ProcessEvent) {
			if _, err := compensation.Start(context.Background(), sagaName, evt.Data); err != nil {
				pctx.Logger.Warn("compensation start failed", "saga", sagaName, "error", err)
			}
		})
	}

	return &Orchestrator{
		info:         info,
		pctx:         pctx,
		factories:    factories,
		cfg:          cfg,
		steps:        registry.New[string, stepOrErr](),
		compensation: compensation,
	}, nil
}

// CompensationExecutions returns every compensation saga execution started
// for this process, most recent status included, or nil if no compensation
// was configured via WithCompensation.
func (o *Orchestrator) CompensationExecutions() []*saga.Execution {
	if o.compensation == nil {
		return nil
	}
	return o.compensation.List()
}

func stepNamespace(stepID, runID string) string { return stepID + "_" + runID }

// validateStepDeclaration enforces the fatal-at-construction configuration
// errors named in §7: unknown step types and missing factories.
func validateStepDeclaration(info *ProcessInfo, step *StepInfo, factories map[string]StepFactory) error {
	if step.InnerStepType == StepTypeSubProcess {
		if step.Inner == nil {
			return fmt.Errorf("%w: %s declares sub-process type with no inner definition", ErrUnknownStepType, step.StepID)
		}
		if step.Inner.StepID == info.StepID {
			return fmt.Errorf("%w: %s", ErrCyclicSubProcess, step.StepID)
		}
	}
	if _, ok := factories[step.StepID]; !ok {
		return fmt.Errorf("%w: no factory registered for step %s", ErrStepNotFound, step.StepID)
	}
	return nil
}

// getStep returns the materialized Step for stepID, constructing it via
// its factory on first access.
func (o *Orchestrator) getStep(stepID string) (Step, error) {
	info := o.info.FindStep(stepID)
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	factory, ok := o.factories[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}

	result := o.steps.GetOrCreate(stepID, func() stepOrErr {
		s, err := factory(info)
		if err == nil {
			o.applyDefaultRetry(s)
		}
		return stepOrErr{step: s, err: err}
	})
	if result.err != nil {
		return nil, result.err
	}
	return result.step, nil
}

// applyDefaultRetry installs the orchestrator-wide retry config from
// WithStepRetry on a freshly built function step, unless its factory already
// gave it a more specific one via function_step.go's own WithRetry.
func (o *Orchestrator) applyDefaultRetry(s Step) {
	if o.cfg.retry == nil {
		return
	}
	if fs, ok := s.(*FunctionStep); ok && fs.retry == nil {
		fs.retry = o.cfg.retry
	}
}

// ExecuteOnce runs the superstep loop to quiescence, the end sentinel, or
// the configured bound, starting from initial. It implements §4.5's
// one-shot mode: empty supersteps count toward emptyThreshold.
func (o *Orchestrator) ExecuteOnce(ctx context.Context, initial ProcessEvent) (*ProcessInfo, error) {
	return o.run(ctx, initial, false)
}

// Run drives the superstep loop in continuous mode: empty supersteps never
// trip the quiescence threshold, and the loop idles until ctx is cancelled
// or the end sentinel is reached.
func (o *Orchestrator) Run(ctx context.Context, initial ProcessEvent) (*ProcessInfo, error) {
	return o.run(ctx, initial, true)
}

func (o *Orchestrator) run(ctx context.Context, initial ProcessEvent, continuous bool) (runResult *ProcessInfo, runErr error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	start := time.Now()
	observability.LogProcessStart(o.pctx.Logger, o.pctx.ProcessID, o.pctx.RunID)

	tracingCtx, span := o.cfg.spans.StartProcessSpan(ctx, o.pctx.ProcessID, o.pctx.RunID)
	defer func() { o.cfg.spans.EndSpanWithError(span, runErr) }()

	o.ensureInitialized()

	o.pctx.Bus.EmitEvent(initial, o.currentState())

	superstep := 0
	emptyCount := 0
	ended := false

	for {
		select {
		case <-tracingCtx.Done():
			return o.snapshot(), tracingCtx.Err()
		default:
		}

		if superstep >= o.cfg.maxSupersteps {
			err := &MaxSuperstepsError{Bound: o.cfg.maxSupersteps}
			observability.LogProcessError(o.pctx.Logger, o.pctx.ProcessID, o.pctx.RunID, err, msSince(start))
			o.cfg.metrics.RecordProcessRun(ctx, false, time.Since(start))
			return o.snapshot(), err
		}

		pending := o.pctx.Bus.DrainPending()
		if len(pending) == 0 {
			if !continuous {
				emptyCount++
				if emptyCount >= o.cfg.emptyThreshold {
					break
				}
			}
			select {
			case <-tracingCtx.Done():
				return o.snapshot(), tracingCtx.Err()
			case <-time.After(o.cfg.emptyPollDelay):
			}
			continue
		}
		emptyCount = 0

		observability.LogSuperstepStart(o.pctx.Logger, superstep, len(pending))
		o.cfg.metrics.RecordSuperstep(ctx, o.pctx.ProcessID, len(pending))
		superstepCtx, superstepSpan := o.cfg.spans.StartSuperstepSpan(tracingCtx, o.pctx.ProcessID, superstep)

		for _, msg := range pending {
			if msg.DestinationID == EndStepID {
				ended = true
			}
		}

		if err := o.dispatchSuperstep(superstepCtx, pending); err != nil {
			o.cfg.spans.EndSpanWithError(superstepSpan, err)
			observability.LogProcessError(o.pctx.Logger, o.pctx.ProcessID, o.pctx.RunID, err, msSince(start))
			o.cfg.metrics.RecordProcessRun(ctx, false, time.Since(start))
			return o.snapshot(), err
		}
		o.cfg.spans.EndSpanWithError(superstepSpan, nil)

		o.persistProcess()
		superstep++

		if ended {
			break
		}
	}

	observability.LogProcessComplete(o.pctx.Logger, o.pctx.ProcessID, o.pctx.RunID, msSince(start), superstep)
	o.cfg.metrics.RecordProcessRun(ctx, true, time.Since(start))
	return o.snapshot(), nil
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Milliseconds())
}

// ensureInitialized emits the process's OnEnter configuration edges, if
// any, as synthetic internal events, once per orchestrator lifetime.
func (o *Orchestrator) ensureInitialized() {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		return
	}
	o.initialized = true
	o.mu.Unlock()

	if _, ok := o.info.Edges["OnEnter"]; !ok {
		return
	}
	o.pctx.Bus.EmitEvent(ProcessEvent{
		SourceID:     o.info.StepID,
		Namespace:    o.info.StepID,
		LocalEventID: "OnEnter",
		Visibility:   VisibilityInternal,
	}, o.currentState())
}

// dispatchSuperstep runs every pending message's destination concurrently
// and waits for all to settle, per §4.5 step 5 and §5's fan-out rule.
func (o *Orchestrator) dispatchSuperstep(ctx context.Context, pending []StepMessage) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, msg := range pending {
		msg := msg
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.dispatch(ctx, msg); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// dispatch routes one message to its destination: a sentinel handler, or a
// materialized step's Execute.
func (o *Orchestrator) dispatch(ctx context.Context, msg StepMessage) error {
	switch msg.DestinationID {
	case EndStepID:
		return nil
	case stateUpdateTargetID:
		o.applyStateUpdate(msg)
		return nil
	case externalTargetID:
		o.dispatchExternal(ctx, msg)
		return nil
	}

	step, err := o.getStep(msg.DestinationID)
	if err != nil {
		routingErr := &RoutingError{Message: msg, Err: err}
		o.pctx.Logger.Warn("dispatch failed", "destination", msg.DestinationID, "error", err)
		o.emitRoutingError(msg, routingErr)
		return nil
	}

	observability.LogStepDispatch(o.pctx.Logger, step.ID(), msg.FunctionName)
	stepCtx, span := o.cfg.spans.StartStepSpan(ctx, step.ID(), msg.FunctionName)
	done := observability.TimedOperation()

	err = step.Execute(stepCtx, msg, o.pctx)

	o.cfg.metrics.RecordStepExecution(ctx, step.ID(), time.Duration(done()*float64(time.Millisecond)), err)
	o.cfg.spans.EndSpanWithError(span, err)

	if err != nil {
		observability.LogStepError(o.pctx.Logger, step.ID(), err)
	}
	return err
}

// emitRoutingError surfaces a dispatch-time failure as an OnError event in
// the destination's namespace, per §7: dispatch errors are never fatal.
func (o *Orchestrator) emitRoutingError(msg StepMessage, err error) {
	o.pctx.Bus.EmitEvent(ProcessEvent{
		SourceID:     msg.DestinationID,
		Namespace:    stepNamespace(msg.DestinationID, o.pctx.RunID),
		LocalEventID: msg.FunctionName + ".OnError",
		Data:         err.Error(),
		Visibility:   VisibilityPublic,
		IsError:      true,
	}, o.currentState())
}

func (o *Orchestrator) dispatchExternal(ctx context.Context, msg StepMessage) {
	if o.pctx.External == nil {
		o.pctx.Logger.Warn("emit target with no external channel configured")
		return
	}
	topic, _ := msg.Parameters["topic"].(string)
	channelKey, _ := msg.Parameters["channel_key"].(string)
	value := msg.Parameters["value"]
	if err := o.pctx.External.Emit(ctx, topic, channelKey, value); err != nil {
		o.pctx.Logger.Warn("external emit failed", "topic", topic, "error", err)
	}
}

// applyStateUpdate patches process-level user state. State is represented
// as a flat map[string]any; "set" assigns the value at path and "append"
// appends it to the slice already at path (creating one if absent).
func (o *Orchestrator) applyStateUpdate(msg StepMessage) {
	path, _ := msg.Parameters["path"].(string)
	op, _ := msg.Parameters["op"].(string)
	value := msg.Parameters["value"]

	o.mu.Lock()
	defer o.mu.Unlock()

	state, ok := o.state.(map[string]any)
	if !ok {
		state = make(map[string]any)
	}

	switch op {
	case "append":
		existing, _ := state[path].([]any)
		state[path] = append(existing, value)
	default:
		state[path] = value
	}
	o.state = state
	o.pctx.Bus.SetState(o.state)
}

func (o *Orchestrator) currentState() any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// persistProcess snapshots the process's ProcessInfo via the storage
// manager, once per successful superstep per §4.6. Storage errors are
// logged and ignored per §7.
func (o *Orchestrator) persistProcess() {
	if o.pctx.Storage == nil {
		return
	}
	snapshot := o.snapshot()
	data, err := encodeProcessInfo(snapshot)
	if err != nil {
		o.pctx.Logger.Warn("encode process snapshot failed", "error", err)
		return
	}
	if err := o.pctx.Storage.SaveProcess(o.info.StepID, o.pctx.RunID, data); err != nil {
		observability.LogStorageError(o.pctx.Logger, "save_process", o.info.StepID, err)
	}
}

// snapshot returns the current ProcessInfo, used both for persistence and
// as GetState()'s result.
func (o *Orchestrator) snapshot() *ProcessInfo {
	return o.info
}

func encodeProcessInfo(info *ProcessInfo) ([]byte, error) {
	return json.Marshal(struct {
		StepID  string   `json:"step_id"`
		RunID   string   `json:"run_id"`
		Version int      `json:"version"`
		Threads []string `json:"threads,omitempty"`
	}{
		StepID:  info.StepID,
		RunID:   info.RunID,
		Version: info.Version,
		Threads: info.Threads,
	})
}

// GetState returns the current ProcessInfo reflecting live step states and
// edges, per the facade contract in §6.
func (o *Orchestrator) GetState() *ProcessInfo {
	return o.snapshot()
}

// SendEvent injects an externally supplied event while the orchestrator is
// running, per the facade's handle.sendEvent contract.
func (o *Orchestrator) SendEvent(evt ProcessEvent) {
	o.pctx.Bus.AddExternalEvent(evt, o.currentState())
}

// Dispose closes the storage handle and disposes every materialized step
// in declaration order, per the lifecycle rule in §3.
func (o *Orchestrator) Dispose(ctx context.Context) error {
	for _, info := range o.info.Steps {
		if result, ok := o.steps.Get(info.StepID); ok && result.err == nil {
			if d, ok := result.step.(Disposer); ok {
				if err := d.Dispose(ctx); err != nil {
					o.pctx.Logger.Warn("step dispose failed", "step_id", info.StepID, "error", err)
				}
			}
		}
	}
	if o.pctx.Storage != nil {
		return o.pctx.Storage.Close()
	}
	return nil
}
