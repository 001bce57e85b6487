package flowmesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// leakyStep emits one public and one internal event from a single dispatch,
// used only to verify that a sub-process boundary forwards the former and
// drops the latter.
type leakyStep struct{ id, runID string }

func (s *leakyStep) ID() string { return s.id }

func (s *leakyStep) Execute(ctx context.Context, msg StepMessage, pctx *ProcessContext) error {
	ns := stepNamespace(s.id, s.runID)
	pctx.Bus.EmitEvent(ProcessEvent{
		SourceID: s.id, Namespace: ns, LocalEventID: "Done",
		Data: "public-payload", Visibility: VisibilityPublic,
	}, nil)
	pctx.Bus.EmitEvent(ProcessEvent{
		SourceID: s.id, Namespace: ns, LocalEventID: "Housekeeping",
		Data: "internal-payload", Visibility: VisibilityInternal,
	}, nil)
	return nil
}

// TestSubProcessStep_ForwardsOnlyPublicEventsUpward runs a nested process
// inside one parent superstep and verifies the unconsumed public event
// crosses the boundary under the wrapper step's namespace while the
// internal-visibility event, having no route of its own, is dropped rather
// than forwarded.
func TestSubProcessStep_ForwardsOnlyPublicEventsUpward(t *testing.T) {
	inner := &ProcessInfo{
		StepInfo: StepInfo{StepID: "inner", RunID: "child-run"},
		Edges: map[string][]Edge{
			"Run": {{SourceStepID: "inner", EventName: "Run", Target: FunctionTarget{StepID: "worker", FunctionName: "Run", ParameterName: "value"}}},
		},
		Steps: []*StepInfo{
			{StepID: "worker", RunID: "child-run"},
		},
	}
	innerFactories := map[string]StepFactory{
		"worker": func(info *StepInfo) (Step, error) { return &leakyStep{id: info.StepID, runID: info.RunID}, nil },
	}

	var forwarded any
	parent := &ProcessInfo{
		StepInfo: StepInfo{StepID: "parent", RunID: "run-1"},
		Edges: map[string][]Edge{
			"Start": {{SourceStepID: "parent", EventName: "Start", Target: FunctionTarget{StepID: "wrapper", FunctionName: "Run", ParameterName: "value"}}},
		},
		Steps: []*StepInfo{
			{
				StepID: "wrapper", RunID: "run-1",
				Edges: map[string][]Edge{
					"Done": {{SourceStepID: "wrapper", EventName: "Done", Target: FunctionTarget{StepID: "catcher", FunctionName: "Run", ParameterName: "value"}}},
				},
			},
			{StepID: "catcher", RunID: "run-1", Edges: map[string][]Edge{
				"Run.OnResult": {{SourceStepID: "catcher", EventName: "Run.OnResult", Target: EndTarget{}}},
			}},
		},
	}

	factories := map[string]StepFactory{
		"wrapper": func(info *StepInfo) (Step, error) {
			return NewSubProcessStep(info.StepID, info.RunID, inner, "child-run", innerFactories), nil
		},
		"catcher": func(info *StepInfo) (Step, error) {
			ep := &EntryPoint{
				Name:   "Run",
				Params: []ParamSpec{{Name: "value", Kind: ParamValue}},
				Fn: func(ctx context.Context, sctx *StepContext, params map[string]any) (any, error) {
					forwarded = params["value"]
					return "ok", nil
				},
			}
			return NewFunctionStep(info.StepID, info.RunID, info, []*EntryPoint{ep}), nil
		},
	}

	orch, err := NewOrchestrator(parent, &ProcessContext{ProcessID: "parent", RunID: "run-1", Logger: testLogger()}, factories)
	require.NoError(t, err)

	_, err = orch.ExecuteOnce(context.Background(), ProcessEvent{SourceID: "parent", Namespace: "parent", LocalEventID: "Start", Data: "seed"})
	require.NoError(t, err)

	require.NotNil(t, forwarded)
	assert.Equal(t, "public-payload", forwarded)
}
