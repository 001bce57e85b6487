package flowmesh

import "context"

// SubProcessStep is the step kernel variant that runs a nested process to
// quiescence inside one parent superstep (§4.4). It exposes a single entry
// point implicitly: Execute is its whole contract.
type SubProcessStep struct {
	id         string
	runID      string
	inner      *ProcessInfo
	factories  map[string]StepFactory
	opts       []Option
	childRunID string
}

// NewSubProcessStep builds a sub-process wrapper around a nested process
// definition. childRunID should be stable across repeated invocations of
// the same sub-process instance so storage continuity survives a restart.
func NewSubProcessStep(id, runID string, inner *ProcessInfo, childRunID string, factories map[string]StepFactory, opts ...Option) *SubProcessStep {
	return &SubProcessStep{
		id:         id,
		runID:      runID,
		inner:      inner,
		factories:  factories,
		opts:       opts,
		childRunID: childRunID,
	}
}

// ID implements Step.
func (sp *SubProcessStep) ID() string { return sp.id }

// Execute implements Step: it builds a child ProcessContext, runs the
// nested process to quiescence with a synthetic internal initial event
// derived from the message, and forwards any unconsumed public child
// events upward against the parent bus.
func (sp *SubProcessStep) Execute(ctx context.Context, msg StepMessage, pctx *ProcessContext) error {
	childCtx := pctx.Child(sp.inner.StepID, sp.childRunID)

	child, err := NewOrchestrator(sp.inner, childCtx, sp.factories, sp.opts...)
	if err != nil {
		return err
	}

	upwardNamespace := stepNamespace(sp.id, sp.runID)
	childCtx.Bus.SetUpward(pctx.Bus, upwardNamespace)

	initial := ProcessEvent{
		SourceID:     sp.id,
		Namespace:    sp.inner.StepID,
		LocalEventID: msg.TargetEventID,
		Data:         msg.Data,
		Visibility:   VisibilityInternal,
		ThreadID:     msg.ThreadID,
	}

	_, err = child.ExecuteOnce(ctx, initial)
	return err
}
