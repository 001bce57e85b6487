package flowmesh

import "context"

// Step is the single capability every step kernel variant implements,
// replacing the deep-inheritance hierarchy {function-step, sub-process,
// map, proxy, agent} would otherwise require: variant-specific state lives
// entirely inside the concrete arm.
type Step interface {
	ID() string
	Execute(ctx context.Context, msg StepMessage, pctx *ProcessContext) error
}

// ParamKind tags whether an entry-point parameter is a plain value slot
// (must be supplied via message data/parameters before the entry point is
// invocable) or a context capability that the executor synthesizes and
// injects at call time. This is the "minimal introspection layer" the
// design notes call for in place of reflection-driven entry-point binding.
type ParamKind int

const (
	// ParamValue is an ordinary input slot.
	ParamValue ParamKind = iota
	// ParamContext marks a parameter that receives the injected StepContext.
	ParamContext
)

// ParamSpec names one entry-point parameter and its kind.
type ParamSpec struct {
	Name string
	Kind ParamKind
}

// EntryPointFunc is the bound callable behind an entry point. params
// contains only the ParamValue-kinded slots, already merged from message
// data/parameters; sctx is the injected context capability.
type EntryPointFunc func(ctx context.Context, sctx *StepContext, params map[string]any) (any, error)

// EntryPoint is a named, typed callable a step exposes.
type EntryPoint struct {
	Name   string
	Params []ParamSpec
	Fn     EntryPointFunc
}

// valueSlotNames returns the names of this entry point's non-context
// parameters, in declared order.
func (ep *EntryPoint) valueSlotNames() []string {
	names := make([]string, 0, len(ep.Params))
	for _, p := range ep.Params {
		if p.Kind == ParamValue {
			names = append(names, p.Name)
		}
	}
	return names
}

// AgentEntryPointName is the well-known entry point name AgentInvoke edges
// and sub-process targets address.
const AgentEntryPointName = "Invoke"

// ActivateFunc is invoked once before a step's first dispatch, with its
// restored state (nil if none was persisted).
type ActivateFunc func(ctx context.Context, state []byte) error
