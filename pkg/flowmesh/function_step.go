package flowmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	flowerrors "github.com/arlojenkins/flowmesh/pkg/flowmesh/errors"
	"github.com/arlojenkins/flowmesh/pkg/flowmesh/storage"
)

// FunctionStep is the step executor for the function-step variant (§4.3):
// it translates each delivered StepMessage into a bound entry-point
// invocation and surfaces the result as an event.
type FunctionStep struct {
	id          string
	runID       string
	info        *StepInfo
	entryPoints map[string]*EntryPoint
	activate    ActivateFunc
	retry       *flowerrors.RetryConfig

	mu       sync.Mutex
	current  map[string]map[string]any // entry point -> slot -> value (nil = unset)
	groups   map[string]*edgeGroupState
	activated bool
}

// FunctionStepOption configures a FunctionStep at construction.
type FunctionStepOption func(*FunctionStep)

// WithActivate sets the hook invoked once before the first dispatch.
func WithActivate(fn ActivateFunc) FunctionStepOption {
	return func(fs *FunctionStep) { fs.activate = fn }
}

// WithRetry configures retrying a failed invocation before its error event
// is emitted, per SPEC_FULL.md's retry-policy addition.
func WithRetry(cfg flowerrors.RetryConfig) FunctionStepOption {
	return func(fs *FunctionStep) { fs.retry = &cfg }
}

// NewFunctionStep builds a function step from its declared entry points.
func NewFunctionStep(id, runID string, info *StepInfo, entryPoints []*EntryPoint, opts ...FunctionStepOption) *FunctionStep {
	eps := make(map[string]*EntryPoint, len(entryPoints))
	current := make(map[string]map[string]any, len(entryPoints))
	for _, ep := range entryPoints {
		eps[ep.Name] = ep
		current[ep.Name] = emptySlots(ep)
	}
	fs := &FunctionStep{
		id:          id,
		runID:       runID,
		info:        info,
		entryPoints: eps,
		current:     current,
		groups:      make(map[string]*edgeGroupState),
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

func emptySlots(ep *EntryPoint) map[string]any {
	slots := make(map[string]any, len(ep.Params))
	for _, name := range ep.valueSlotNames() {
		slots[name] = nil
	}
	return slots
}

// ID implements Step.
func (fs *FunctionStep) ID() string { return fs.id }

// Execute implements Step, per the message-assignment and readiness rules
// of §4.3.
func (fs *FunctionStep) Execute(ctx context.Context, msg StepMessage, pctx *ProcessContext) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.ensureActivated(ctx, pctx); err != nil {
		return err
	}

	if msg.GroupID != "" {
		return fs.executeGroup(ctx, msg, pctx)
	}

	ep, ok := fs.entryPoints[msg.FunctionName]
	if !ok {
		pctx.Logger.Warn("unknown entry point", "step_id", fs.id, "function", msg.FunctionName)
		fs.emitError(pctx, msg.FunctionName, msg.ThreadID, &flowerrors.CategorizedError{
			Err:      fmt.Errorf("%w: %s", ErrFunctionNotFound, msg.FunctionName),
			Category: flowerrors.CategoryPermanent,
		})
		return nil
	}

	slots := fs.current[ep.Name]
	fs.assign(pctx, ep, slots, msg)

	if !invocable(ep, slots) {
		fs.persistState(pctx)
		return nil
	}

	fs.invokeAndEmit(ctx, pctx, ep, cloneValues(slots), msg.ThreadID)
	fs.current[ep.Name] = emptySlots(ep)
	fs.persistState(pctx)
	return nil
}

// assign applies the message-assignment rules: named parameters overwrite
// matching slots, then a lone unnamed payload falls into a single-slot
// entry point as a convenience.
func (fs *FunctionStep) assign(pctx *ProcessContext, ep *EntryPoint, slots map[string]any, msg StepMessage) {
	for name, value := range msg.Parameters {
		if _, known := slots[name]; !known {
			continue
		}
		if slots[name] != nil {
			pctx.Logger.Warn("overwriting set slot", "step_id", fs.id, "function", ep.Name, "slot", name)
		}
		slots[name] = value
	}

	slotNames := ep.valueSlotNames()
	if msg.Data != nil && len(slotNames) == 1 {
		slots[slotNames[0]] = msg.Data
	}
}

func invocable(ep *EntryPoint, slots map[string]any) bool {
	for _, name := range ep.valueSlotNames() {
		if slots[name] == nil {
			return false
		}
	}
	return true
}

func cloneValues(slots map[string]any) map[string]any {
	out := make(map[string]any, len(slots))
	for k, v := range slots {
		out[k] = v
	}
	return out
}

func (fs *FunctionStep) invokeAndEmit(ctx context.Context, pctx *ProcessContext, ep *EntryPoint, params map[string]any, threadID string) {
	sctx := newStepContext(pctx, fs.id, fs.runID, ep.Name, threadID)

	call := func() (any, error) { return ep.Fn(ctx, sctx, params) }

	var result any
	var err error
	if fs.retry != nil {
		rr := flowerrors.WithRetryContext(ctx, *fs.retry, func(c context.Context) (any, error) { return call() })
		result, err = rr.Value, rr.Err
	} else {
		result, err = fs.safeCall(ep, call)
	}

	if err != nil {
		fs.emitError(pctx, ep.Name, threadID, err)
		return
	}

	sctx.pctx.Bus.EmitEvent(ProcessEvent{
		SourceID:     fs.id,
		Namespace:    fs.id + "_" + fs.runID,
		LocalEventID: ep.Name + ".OnResult",
		Data:         result,
		Visibility:   VisibilityPublic,
		ThreadID:     threadID,
	}, nil)
}

func (fs *FunctionStep) safeCall(ep *EntryPoint, call func() (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{StepID: fs.id, FunctionName: ep.Name, Recovered: r}
		}
	}()
	result, err = call()
	if err != nil {
		err = &StepError{StepID: fs.id, FunctionName: ep.Name, Err: err}
	}
	return result, err
}

func (fs *FunctionStep) emitError(pctx *ProcessContext, functionName, threadID string, err error) {
	pctx.Bus.EmitEvent(ProcessEvent{
		SourceID:     fs.id,
		Namespace:    fs.id + "_" + fs.runID,
		LocalEventID: functionName + ".OnError",
		Data:         err.Error(),
		Visibility:   VisibilityPublic,
		IsError:      true,
		ThreadID:     threadID,
	}, nil)
}

// executeGroup routes a group-tagged message through this step's local
// edge-group accumulator instead of the normal slot-assignment path (§4.3
// "AllOf delivery").
func (fs *FunctionStep) executeGroup(ctx context.Context, msg StepMessage, pctx *ProcessContext) error {
	state, err := fs.groupState(pctx, msg.GroupID)
	if err != nil {
		return &EdgeGroupError{GroupID: msg.GroupID, StepID: fs.id, Err: err}
	}

	complete, params := state.observe(msg)
	if !complete {
		fs.persistGroups(pctx)
		return nil
	}

	ep, ok := fs.entryPoints[msg.FunctionName]
	if !ok {
		delete(fs.groups, msg.GroupID)
		fs.persistGroups(pctx)
		return &EdgeGroupError{GroupID: msg.GroupID, StepID: fs.id, Err: fmt.Errorf("%w: %s", ErrFunctionNotFound, msg.FunctionName)}
	}

	fs.invokeAndEmit(ctx, pctx, ep, params, msg.ThreadID)
	delete(fs.groups, msg.GroupID)
	fs.persistGroups(pctx)
	return nil
}

// groupState returns this step's accumulator for groupID, rehydrating it
// from storage on first touch after a restart (§4.2 rehydration rule and
// spec scenario F).
func (fs *FunctionStep) groupState(pctx *ProcessContext, groupID string) (*edgeGroupState, error) {
	if s, ok := fs.groups[groupID]; ok {
		return s, nil
	}

	g, ok := fs.info.IncomingEdgeGroups[groupID]
	if !ok {
		return nil, fmt.Errorf("edge group %s not declared on step %s", groupID, fs.id)
	}

	state := newEdgeGroupState(g)
	if pctx.Storage != nil {
		_, stored, found, err := pctx.Storage.GetStepEdgeData(fs.id, fs.runID)
		if err == nil && found {
			if prior, ok := stored[groupID]; ok {
				state.rehydrate(prior)
			}
		}
	}
	fs.groups[groupID] = state
	return state, nil
}

func (fs *FunctionStep) persistGroups(pctx *ProcessContext) {
	if pctx.Storage == nil {
		return
	}
	data := make(storage.EdgeGroupData, len(fs.groups))
	for id, s := range fs.groups {
		data[id] = s.snapshot()
	}
	if err := pctx.Storage.SaveStepEdgeData(fs.id, fs.runID, data, true); err != nil {
		pctx.Logger.Warn("persist edge group data failed", "step_id", fs.id, "error", err)
	}
}

// ensureActivated calls the step's activate hook exactly once, with
// restored state loaded from storage.
func (fs *FunctionStep) ensureActivated(ctx context.Context, pctx *ProcessContext) error {
	if fs.activated {
		return nil
	}
	fs.activated = true
	if fs.activate == nil {
		return nil
	}
	var state []byte
	if pctx.Storage != nil {
		if data, found, err := pctx.Storage.GetStepState(fs.id, fs.runID); err == nil && found {
			state = data
		}
	}
	return fs.activate(ctx, state)
}

func (fs *FunctionStep) persistState(pctx *ProcessContext) {
	if pctx.Storage == nil {
		return
	}
	encoded, err := json.Marshal(fs.current)
	if err != nil {
		pctx.Logger.Warn("encode step state failed", "step_id", fs.id, "error", err)
		return
	}
	if err := pctx.Storage.SaveStepState(fs.id, fs.runID, encoded); err != nil {
		pctx.Logger.Warn("persist step state failed", "step_id", fs.id, "error", err)
	}
}
