package flowmesh

import (
	"log/slog"
	"sync"
)

// Bus owns the pending message queue, the edge routing table (indexed by
// qualified event id) and the registered edge groups for one process
// instance. It is the sole producer/consumer boundary the orchestrator
// drains each superstep; per the concurrency model, the orchestrator is the
// single writer that calls DrainPending, but EmitEvent/Enqueue may be
// called concurrently by step executors running within a superstep, so the
// queue itself is mutex-guarded.
type Bus struct {
	mu sync.Mutex

	routes           map[string][]Edge
	globalErrorEdges []Edge
	groups           map[string]EdgeGroup

	pending []StepMessage
	filter  EventFilter
	logger  *slog.Logger

	// state is consulted by edge conditions; the orchestrator replaces it
	// via SetState each time it applies a step's state update.
	state any

	// upward, when set, receives public events that found no route on
	// this bus, rewritten under upwardNamespace — how a sub-process
	// forwards unconsumed public events to its parent (§4.4).
	upward          *Bus
	upwardNamespace string

	// onUnroutedError, when set, is called for every error event that has
	// no step-specific route, whether or not a global error edge fires for
	// it — the hook a compensation handler attaches to.
	onUnroutedError func(ProcessEvent)
}

// SetUnroutedErrorHook installs a callback invoked whenever an error event
// reaches the global error target: it had no `<namespace>.<event>.OnError`
// edge of its own, so it either fires the process's declared
// GlobalErrorEdges or, absent those, is dropped after this hook runs.
func (b *Bus) SetUnroutedErrorHook(fn func(ProcessEvent)) {
	b.mu.Lock()
	b.onUnroutedError = fn
	b.mu.Unlock()
}

// SetUpward configures forwarding of unrouted public events to a parent
// bus under the given namespace (typically "<subProcessStepID>_<parentRunID>").
func (b *Bus) SetUpward(parent *Bus, namespace string) {
	b.upward = parent
	b.upwardNamespace = namespace
}

// NewBus creates an empty bus for a process. Routes are added with
// IndexEdges before any event is emitted.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		routes: make(map[string][]Edge),
		groups: make(map[string]EdgeGroup),
		logger: logger,
	}
}

// SetFilter installs an optional event filter.
func (b *Bus) SetFilter(f EventFilter) { b.filter = f }

// SetState updates the process-level state conditions are evaluated
// against. Called by the orchestrator whenever it applies a state update.
func (b *Bus) SetState(state any) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

// IndexEdges folds one namespace's edges into the routing table, keyed by
// qualified event id (namespace + "." + eventName). Called once per step
// (and once for the process's own external edges) at orchestrator
// construction; the routing table is immutable after that.
func (b *Bus) IndexEdges(namespace string, edges map[string][]Edge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventName, es := range edges {
		key := namespace + "." + eventName
		b.routes[key] = append(b.routes[key], es...)
	}
}

// IndexGlobalErrorEdges registers the process-level fallback edges used
// when an error event has no other route.
func (b *Bus) IndexGlobalErrorEdges(edges []Edge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globalErrorEdges = append(b.globalErrorEdges, edges...)
}

// RegisterEdgeGroup makes a group discoverable by id for rehydration and
// introspection.
func (b *Bus) RegisterEdgeGroup(g EdgeGroup) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups[g.GroupID] = g
}

// EdgeGroupByID returns a registered group, if any.
func (b *Bus) EdgeGroupByID(id string) (EdgeGroup, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[id]
	return g, ok
}

// EmitEvent evaluates the event against the routing table and enqueues a
// StepMessage for each edge that matches, per the materialization rules in
// §4.1: non-default conditions are tried first; if none match, default
// edges fire instead.
func (b *Bus) EmitEvent(evt ProcessEvent, state any) {
	if b.filter != nil && !b.filter(evt) {
		b.logger.Debug("event filtered", "qualified_id", evt.QualifiedID())
		return
	}

	b.mu.Lock()
	edges, hadSpecificRoute := b.routes[evt.QualifiedID()]
	ok := hadSpecificRoute
	if !ok && evt.IsError {
		edges, ok = b.globalErrorEdges, len(b.globalErrorEdges) > 0
	}
	if state == nil {
		state = b.state
	}
	hook := b.onUnroutedError
	b.mu.Unlock()

	if evt.IsError && !hadSpecificRoute && hook != nil {
		hook(evt)
	}

	if !ok {
		if evt.Visibility == VisibilityPublic && b.upward != nil {
			forwarded := evt
			forwarded.Namespace = b.upwardNamespace
			b.upward.EmitEvent(forwarded, nil)
			return
		}
		b.logger.Debug("no route for event", "qualified_id", evt.QualifiedID())
		return
	}

	var nonDefault, defaults []Edge
	for _, e := range edges {
		if e.Default {
			defaults = append(defaults, e)
			continue
		}
		if e.Condition == nil || e.Condition(evt, state) {
			nonDefault = append(nonDefault, e)
		}
	}

	targets := nonDefault
	if len(targets) == 0 {
		targets = defaults
	}

	for _, e := range targets {
		b.Enqueue(materializeMessage(e, evt))
	}
}

// AddExternalEvent injects an externally supplied event, routed identically
// to an internally emitted one.
func (b *Bus) AddExternalEvent(evt ProcessEvent, state any) {
	b.EmitEvent(evt, state)
}

// Enqueue appends a message to the pending queue.
func (b *Bus) Enqueue(msg StepMessage) {
	b.mu.Lock()
	b.pending = append(b.pending, msg)
	b.mu.Unlock()
}

// DrainPending returns and clears the queue atomically.
func (b *Bus) DrainPending() []StepMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	drained := b.pending
	b.pending = nil
	return drained
}

// materializeMessage builds the StepMessage an edge produces for a matched
// event, per the construction rules in §4.1.
func materializeMessage(e Edge, evt ProcessEvent) StepMessage {
	msg := StepMessage{
		SourceID:      evt.SourceID,
		SourceEventID: evt.QualifiedID(),
		GroupID:       e.GroupID,
		ThreadID:      evt.ThreadID,
		Data:          evt.Data,
	}

	switch t := e.Target.(type) {
	case FunctionTarget:
		msg.DestinationID = t.StepID
		msg.FunctionName = t.FunctionName
		msg.TargetEventID = t.FunctionName
		if t.ParameterName != "" {
			msg.Parameters = map[string]any{t.ParameterName: evt.Data}
		}
	case AgentInvokeTarget:
		msg.DestinationID = t.StepID
		msg.FunctionName = AgentEntryPointName
		msg.TargetEventID = AgentEntryPointName
		if t.ThreadID != "" {
			msg.ThreadID = t.ThreadID
		}
	case StateUpdateTarget:
		msg.DestinationID = stateUpdateTargetID
		msg.Parameters = map[string]any{"path": t.Path, "op": t.Op, "value": evt.Data}
	case EmitTarget:
		msg.DestinationID = externalTargetID
		msg.Parameters = map[string]any{"topic": t.Topic, "channel_key": t.ChannelKey, "value": evt.Data}
	case EndTarget:
		msg.DestinationID = EndStepID
	}

	return msg
}

// Sentinel destination ids the orchestrator special-cases instead of
// dispatching to a registered step.
const (
	stateUpdateTargetID = "__state_update__"
	externalTargetID    = "__external__"
)
