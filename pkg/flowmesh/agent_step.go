package flowmesh

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/arlojenkins/flowmesh/pkg/flowmesh/agent"
	flowerrors "github.com/arlojenkins/flowmesh/pkg/flowmesh/errors"
	agentmodel "github.com/arlojenkins/flowmesh/pkg/flowmesh/model"
)

// AgentStep is the step kernel variant for the agent-invoke target (§4.3
// supplemented feature): it turns each dispatched message into one
// completion turn against an agent.Client, keeping per-thread message
// history so a caller can carry a conversation across invocations by
// reusing StepMessage.ThreadID. If no thread is provided, a new one is
// created and returned on the result event.
//
// A failing completion is retried and, for escalatable failures (JSON
// parse errors, validation errors, repeated transient failures), retried
// again against the next model in the step's escalation chain before the
// turn is given up as an error event.
type AgentStep struct {
	id      string
	runID   string
	client  agent.Client
	model   agentmodel.ModelName
	handler *flowerrors.Handler

	mu      sync.Mutex
	threads map[string][]agent.Message
	loaded  bool
}

// AgentStepOption configures an AgentStep at construction.
type AgentStepOption func(*AgentStep)

// WithAgentEscalation replaces the model.DefaultEscalation chain used when
// a completion keeps failing in an escalatable way.
func WithAgentEscalation(chain *agentmodel.EscalationChain) AgentStepOption {
	return func(a *AgentStep) {
		a.handler = flowerrors.NewHandler(flowerrors.WithEscalation(chain))
	}
}

// WithAgentErrorHandler installs a fully custom error handler, overriding
// both retry and escalation policy.
func WithAgentErrorHandler(h *flowerrors.Handler) AgentStepOption {
	return func(a *AgentStep) { a.handler = h }
}

// NewAgentStep builds an agent step backed by client. model, if non-empty,
// is passed through on every completion request and used as the starting
// tier of the escalation chain.
func NewAgentStep(id, runID string, client agent.Client, model string, opts ...AgentStepOption) *AgentStep {
	a := &AgentStep{
		id:      id,
		runID:   runID,
		client:  client,
		model:   agentmodel.ModelName(model),
		threads: make(map[string][]agent.Message),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.handler == nil {
		a.handler = flowerrors.NewHandler(flowerrors.WithEscalation(&agentmodel.DefaultEscalation))
	}
	return a
}

// ID implements Step.
func (a *AgentStep) ID() string { return a.id }

// agentResult is what an AgentStep emits after a completion turn.
type agentResult struct {
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
}

// Execute implements Step: it appends the message's payload as a user turn
// on the addressed thread, runs one completion, appends the response, and
// emits the result under this step's namespace.
func (a *AgentStep) Execute(ctx context.Context, msg StepMessage, pctx *ProcessContext) error {
	a.ensureLoaded(pctx)

	threadID := msg.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	prompt, _ := msg.Data.(string)

	a.mu.Lock()
	history := append([]agent.Message{}, a.threads[threadID]...)
	history = append(history, agent.Message{Role: agent.RoleUser, Content: prompt})
	a.mu.Unlock()

	result := flowerrors.Execute(ctx, a.handler, a.model, func(ctx context.Context, m agentmodel.ModelName) (*agent.CompletionResponse, error) {
		return a.client.Complete(ctx, agent.CompletionRequest{
			Model:    string(m),
			Messages: history,
		})
	})
	if result.Err != nil {
		a.emitError(pctx, threadID, msg.ThreadID, result.Err)
		return nil
	}
	resp := result.Value

	a.mu.Lock()
	history = append(history, agent.Message{Role: agent.RoleAssistant, Content: resp.Content})
	a.threads[threadID] = history
	a.mu.Unlock()

	a.persistThreads(pctx)

	pctx.Bus.EmitEvent(ProcessEvent{
		SourceID:     a.id,
		Namespace:    stepNamespace(a.id, a.runID),
		LocalEventID: AgentEntryPointName + ".OnResult",
		Data:         agentResult{ThreadID: threadID, Content: resp.Content},
		Visibility:   VisibilityPublic,
		ThreadID:     threadID,
	}, nil)
	return nil
}

func (a *AgentStep) emitError(pctx *ProcessContext, threadID, requestedThreadID string, err error) {
	pctx.Logger.Warn("agent completion failed", "step_id", a.id, "thread_id", threadID, "error", err)
	pctx.Bus.EmitEvent(ProcessEvent{
		SourceID:     a.id,
		Namespace:    stepNamespace(a.id, a.runID),
		LocalEventID: AgentEntryPointName + ".OnError",
		Data:         err.Error(),
		Visibility:   VisibilityPublic,
		IsError:      true,
		ThreadID:     requestedThreadID,
	}, nil)
}

// ensureLoaded rehydrates thread history from storage once, on first
// dispatch after construction or a restart.
func (a *AgentStep) ensureLoaded(pctx *ProcessContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded {
		return
	}
	a.loaded = true
	if pctx.Storage == nil {
		return
	}
	data, found, err := pctx.Storage.GetStepState(a.id, a.runID)
	if err != nil || !found {
		return
	}
	var threads map[string][]agent.Message
	if err := json.Unmarshal(data, &threads); err == nil {
		a.threads = threads
	}
}

// persistThreads snapshots every thread's message history so a restarted
// orchestrator can rehydrate conversations in progress.
func (a *AgentStep) persistThreads(pctx *ProcessContext) {
	if pctx.Storage == nil {
		return
	}
	a.mu.Lock()
	encoded, err := json.Marshal(a.threads)
	a.mu.Unlock()
	if err != nil {
		pctx.Logger.Warn("encode agent thread state failed", "step_id", a.id, "error", err)
		return
	}
	if err := pctx.Storage.SaveStepState(a.id, a.runID, encoded); err != nil {
		pctx.Logger.Warn("persist agent thread state failed", "step_id", a.id, "error", err)
	}
}
