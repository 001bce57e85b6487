package flowmesh

import (
	"context"
	"log/slog"

	"github.com/arlojenkins/flowmesh/pkg/flowmesh/storage"
)

// EventFilter optionally rejects events before they reach routing. A nil
// filter accepts everything.
type EventFilter func(ProcessEvent) bool

// ExternalChannel is the outbound adapter for events targeting an external
// topic rather than another step.
type ExternalChannel interface {
	Emit(ctx context.Context, topic, channelKey string, data any) error
}

// ProcessContext is the per-process resource bundle threaded through every
// component: identity, parent/root ids, storage, the message bus, the
// event filter and the external channel. It is immutable after
// construction except for the Bus field, which the orchestrator assigns
// once during its own construction (the one interior-mutable handle the
// design notes call for).
type ProcessContext struct {
	ProcessID       string
	RunID           string
	ParentProcessID string
	RootProcessID   string

	Storage  storage.Manager
	Filter   EventFilter
	External ExternalChannel
	Logger   *slog.Logger

	Bus *Bus
}

// Child derives a ProcessContext for a nested sub-process: it keeps
// storage, filter, external channel and logger, points ParentProcessID at
// this context's process, and propagates RootProcessID unchanged.
func (c *ProcessContext) Child(childProcessID, childRunID string) *ProcessContext {
	root := c.RootProcessID
	if root == "" {
		root = c.ProcessID
	}
	return &ProcessContext{
		ProcessID:       childProcessID,
		RunID:           childRunID,
		ParentProcessID: c.ProcessID,
		RootProcessID:   root,
		Storage:         c.Storage,
		Filter:          c.Filter,
		External:        c.External,
		Logger:          c.Logger.With("process_id", childProcessID, "parent_process_id", c.ProcessID),
	}
}

// StepContext is the per-invocation capability handle injected into a
// step's entry point in place of a declared context-typed parameter. Step
// code uses it to emit events and reach the external channel; it never
// touches the bus's pending queue directly except through Emit, keeping
// the single-writer invariant intact.
type StepContext struct {
	pctx         *ProcessContext
	stepID       string
	runID        string
	functionName string
	threadID     string
}

func newStepContext(pctx *ProcessContext, stepID, runID, functionName, threadID string) *StepContext {
	return &StepContext{pctx: pctx, stepID: stepID, runID: runID, functionName: functionName, threadID: threadID}
}

// Emit raises a public event in this step's namespace: <stepID>_<runID>.<name>.
func (c *StepContext) Emit(name string, data any) {
	c.pctx.Bus.EmitEvent(ProcessEvent{
		SourceID:     c.stepID,
		Namespace:    c.stepID + "_" + c.runID,
		LocalEventID: name,
		Data:         data,
		Visibility:   VisibilityPublic,
		ThreadID:     c.threadID,
	}, nil)
}

// ThreadID returns the thread identifier the current invocation was
// dispatched with, empty if none.
func (c *StepContext) ThreadID() string { return c.threadID }

// External returns the process's external channel, or nil if unconfigured.
func (c *StepContext) External() ExternalChannel { return c.pctx.External }

// Logger returns the process logger enriched with step identity.
func (c *StepContext) Logger() *slog.Logger {
	return c.pctx.Logger.With("step_id", c.stepID, "run_id", c.runID, "function", c.functionName)
}
