package flowmesh

import (
	"fmt"

	"github.com/arlojenkins/flowmesh/pkg/flowmesh/config"
	"github.com/arlojenkins/flowmesh/pkg/flowmesh/expr"
	"github.com/arlojenkins/flowmesh/pkg/flowmesh/template"
)

// configExpander applies ${var}/$var substitution to every string field a
// process config declares, using vars supplied by the caller of
// LoadProcessConfig. Its default MissingKeep behavior never errors, so
// callers see unresolved placeholders rather than a load failure.
var configExpander = template.NewExpander()

func expandString(s string, vars map[string]any) string {
	if s == "" {
		return s
	}
	return configExpander.MustExpand(s, vars)
}

// LoadProcessConfig parses a declarative YAML or JSON process definition
// (see config.FromFile for supported extensions) into a ProcessInfo ready
// to hand to NewOrchestrator alongside a StepFactory map keyed by the same
// step ids the file declares. vars seeds both the template expansion
// applied to every string field and the variable set edge conditions
// evaluate against.
func LoadProcessConfig(path string, vars map[string]any) (*ProcessInfo, error) {
	cfg, err := config.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("flowmesh: load process config: %w", err)
	}
	return buildProcessInfo(cfg, vars)
}

// LoadProcessConfigYAML is LoadProcessConfig for YAML already in memory,
// for callers that embed process definitions rather than reading them from
// disk at runtime.
func LoadProcessConfigYAML(data []byte, vars map[string]any) (*ProcessInfo, error) {
	cfg, err := config.FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("flowmesh: load process config: %w", err)
	}
	return buildProcessInfo(cfg, vars)
}

func buildProcessInfo(cfg config.Config, vars map[string]any) (*ProcessInfo, error) {
	processID := expandString(cfg.String("process_id", ""), vars)
	if processID == "" {
		return nil, fmt.Errorf("flowmesh: process config missing process_id")
	}
	runID := expandString(cfg.String("run_id", "run-1"), vars)

	edges, err := parseEdgeSet(cfg.Any("edges", nil), vars)
	if err != nil {
		return nil, fmt.Errorf("flowmesh: process edges: %w", err)
	}
	globalErrorEdges, err := parseEdgeList(cfg.Any("global_error_edges", nil), vars)
	if err != nil {
		return nil, fmt.Errorf("flowmesh: global error edges: %w", err)
	}

	rawSteps, _ := cfg.Any("steps", nil).([]any)
	steps := make([]*StepInfo, 0, len(rawSteps))
	for i, rs := range rawSteps {
		m, ok := rs.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("flowmesh: step %d is not a mapping", i)
		}
		step, err := parseStepInfo(config.New(m), runID, vars)
		if err != nil {
			return nil, fmt.Errorf("flowmesh: step %d: %w", i, err)
		}
		steps = append(steps, step)
	}

	return &ProcessInfo{
		StepInfo: StepInfo{
			StepID:  processID,
			RunID:   runID,
			Version: cfg.Int("version", 0),
		},
		Steps:            steps,
		Edges:            edges,
		GlobalErrorEdges: globalErrorEdges,
	}, nil
}

func parseStepInfo(cfg config.Config, runID string, vars map[string]any) (*StepInfo, error) {
	stepID := expandString(cfg.String("id", ""), vars)
	if stepID == "" {
		return nil, fmt.Errorf("step missing id")
	}
	edgeMap, err := parseEdgeSet(cfg.Any("edges", nil), vars)
	if err != nil {
		return nil, err
	}
	groups, err := parseEdgeGroups(cfg.Any("incoming_edge_groups", nil))
	if err != nil {
		return nil, err
	}
	return &StepInfo{
		StepID:             stepID,
		RunID:              runID,
		Version:            cfg.Int("version", 0),
		Edges:              edgeMap,
		IncomingEdgeGroups: groups,
	}, nil
}

func parseEdgeSet(raw any, vars map[string]any) (map[string][]Edge, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("edges must be a mapping")
	}
	out := make(map[string][]Edge, len(m))
	for eventName, rawList := range m {
		list, err := parseEdgeList(rawList, vars)
		if err != nil {
			return nil, fmt.Errorf("event %q: %w", eventName, err)
		}
		out[expandString(eventName, vars)] = list
	}
	return out, nil
}

func parseEdgeList(raw any, vars map[string]any) ([]Edge, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("edge list must be a sequence")
	}
	edges := make([]Edge, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("edge %d is not a mapping", i)
		}
		e, err := parseEdge(config.New(m), vars)
		if err != nil {
			return nil, fmt.Errorf("edge %d: %w", i, err)
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// parseEdge builds one Edge from its declared kind (function, state_update,
// emit, agent_invoke, end), expanding every string field against vars and,
// for a declared condition, compiling it once into a Condition closure that
// evaluates the expression against the firing event and process state on
// every call.
func parseEdge(cfg config.Config, vars map[string]any) (Edge, error) {
	e := Edge{
		Default: cfg.Bool("default", false),
		GroupID: expandString(cfg.String("group_id", ""), vars),
	}

	if condStr := cfg.String("condition", ""); condStr != "" {
		compiled := expandString(condStr, vars)
		e.Condition = func(evt ProcessEvent, state any) bool {
			ok, err := expr.Eval(compiled, mergeConditionVars(evt, state, vars))
			return err == nil && ok
		}
	}

	switch kind := cfg.String("kind", "function"); kind {
	case "end":
		e.Target = EndTarget{}
	case "state_update":
		e.Target = StateUpdateTarget{
			Path: expandString(cfg.String("path", ""), vars),
			Op:   expandString(cfg.String("op", ""), vars),
		}
	case "emit":
		e.Target = EmitTarget{
			Topic:      expandString(cfg.String("topic", ""), vars),
			ChannelKey: expandString(cfg.String("channel_key", ""), vars),
		}
	case "agent_invoke":
		e.Target = AgentInvokeTarget{
			StepID:   expandString(cfg.String("to_step", ""), vars),
			ThreadID: expandString(cfg.String("thread_id", ""), vars),
		}
	case "function":
		e.Target = FunctionTarget{
			StepID:        expandString(cfg.String("to_step", ""), vars),
			FunctionName:  expandString(cfg.String("function", ""), vars),
			ParameterName: expandString(cfg.String("param", ""), vars),
		}
	default:
		return Edge{}, fmt.Errorf("unknown edge kind %q", kind)
	}
	return e, nil
}

// mergeConditionVars folds the static load-time vars, the current
// process-level state (if it is a map), and the firing event's own data
// into one lookup table for expr.Eval, so a condition string can reference
// "value" (the event payload), "event" (its local id), or any top-level
// state/payload field by name.
func mergeConditionVars(evt ProcessEvent, state any, vars map[string]any) map[string]any {
	merged := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		merged[k] = v
	}
	if sm, ok := state.(map[string]any); ok {
		for k, v := range sm {
			merged[k] = v
		}
	}
	if dm, ok := evt.Data.(map[string]any); ok {
		for k, v := range dm {
			merged[k] = v
		}
	}
	merged["value"] = evt.Data
	merged["event"] = evt.LocalEventID
	return merged
}

func parseEdgeGroups(raw any) (map[string]EdgeGroup, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("incoming_edge_groups must be a mapping")
	}
	out := make(map[string]EdgeGroup, len(m))
	for groupID, rawGroup := range m {
		gm, ok := rawGroup.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("group %q is not a mapping", groupID)
		}
		gcfg := config.New(gm)
		rawSources, _ := gcfg.Any("sources", nil).([]any)
		sources := make([]EdgeGroupSource, 0, len(rawSources))
		for _, rs := range rawSources {
			sm, ok := rs.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("group %q: source is not a mapping", groupID)
			}
			scfg := config.New(sm)
			sources = append(sources, EdgeGroupSource{
				SourceStepID: scfg.String("step", ""),
				EventName:    scfg.String("event", ""),
			})
		}
		out[groupID] = EdgeGroup{GroupID: groupID, MessageSources: sources}
	}
	return out, nil
}
