package flowmesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/arlojenkins/flowmesh/pkg/flowmesh/query"
	"github.com/arlojenkins/flowmesh/pkg/flowmesh/signal"
)

// Handle is the external interface to a running process (§6): it owns the
// cancellation lifecycle Stop() uses to unwind Run's continuous loop and
// exposes the same read/write operations the orchestrator implements
// directly, so callers never construct an Orchestrator themselves. It also
// exposes the process to read-only introspection (Query) and fire-and-forget
// external notification (Signal) without the caller ever touching the bus
// or the orchestrator's internal state directly.
type Handle struct {
	orch    *Orchestrator
	cancel  context.CancelFunc
	queries *query.Executor
	signals *signal.Dispatcher

	mu     sync.Mutex
	done   chan struct{}
	result *ProcessInfo
	err    error
}

// Start builds an orchestrator for info and launches it in continuous mode
// in the background, returning immediately with a Handle. initial is
// emitted before the superstep loop begins.
func Start(info *ProcessInfo, pctx *ProcessContext, initial ProcessEvent, factories map[string]StepFactory, opts ...Option) (*Handle, error) {
	orch, err := NewOrchestrator(info, pctx, factories, opts...)
	if err != nil {
		return nil, fmt.Errorf("flowmesh: start: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		orch:   orch,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	qreg := query.NewRegistry()
	if err := query.RegisterBuiltins(qreg, h.loadQueryState); err != nil {
		cancel()
		return nil, fmt.Errorf("flowmesh: register builtin queries: %w", err)
	}
	h.queries = query.NewExecutor(qreg, h.loadQueryState)

	sreg := signal.NewRegistry()
	sreg.MustRegister("cancel", func(_ context.Context, _ string, _ *signal.Signal) error {
		h.cancel()
		return nil
	})
	sreg.MustRegister("external_event", func(_ context.Context, _ string, sig *signal.Signal) error {
		name, _ := sig.Payload["event"].(string)
		if name == "" {
			return fmt.Errorf("external_event signal missing 'event' payload key")
		}
		h.orch.SendEvent(ProcessEvent{
			SourceID:     "signal",
			Namespace:    h.orch.pctx.ProcessID,
			LocalEventID: name,
			Data:         sig.Payload["data"],
			Visibility:   VisibilityPublic,
		})
		return nil
	})
	h.signals = signal.NewDispatcher(sreg, signal.NewMemoryStore()).WithLogger(pctx.Logger)

	go func() {
		defer close(h.done)
		result, err := orch.Run(ctx, initial)
		h.mu.Lock()
		h.result, h.err = result, err
		h.mu.Unlock()
	}()

	return h, nil
}

// loadQueryState adapts the orchestrator's live state into query.State,
// the shape RegisterBuiltins' handlers read from. targetID is accepted for
// interface compatibility; a Handle only ever queries its own process.
func (h *Handle) loadQueryState(_ context.Context, targetID string) (*query.State, error) {
	info := h.orch.GetState()

	status := "running"
	select {
	case <-h.done:
		h.mu.Lock()
		err := h.err
		h.mu.Unlock()
		if err != nil {
			status = "failed"
		} else {
			status = "completed"
		}
	default:
	}

	vars, _ := h.orch.currentState().(map[string]any)

	return &query.State{
		TargetID:    targetID,
		Status:      status,
		CurrentStep: info.StepID,
		Variables:   vars,
	}, nil
}

// Query runs a read-only introspection query against this process. See the
// query package's built-in query names (query.QueryStatus and siblings) for
// what's available without a custom registration.
func (h *Handle) Query(ctx context.Context, queryName string, args any) (any, error) {
	return h.queries.Execute(ctx, h.GetProcessID(), queryName, args)
}

// Signal sends a fire-and-forget notification into the running process and
// processes it immediately. The built-in "cancel" signal stops the run; the
// built-in "external_event" signal injects payload["data"] as an external
// ProcessEvent named payload["event"].
func (h *Handle) Signal(ctx context.Context, name string, payload map[string]any) error {
	sig := signal.NewSignal(name, h.GetProcessID(), payload)
	if err := h.signals.Send(ctx, sig); err != nil {
		return err
	}
	return h.signals.ProcessOne(ctx, sig.ID)
}

// SendEvent injects an externally supplied event into the running process.
func (h *Handle) SendEvent(evt ProcessEvent) {
	h.orch.SendEvent(evt)
}

// Stop requests cancellation and blocks until the run loop has unwound,
// returning whatever error the run finished with (context.Canceled if it
// was still in flight).
func (h *Handle) Stop() error {
	h.cancel()
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the process reaches quiescence or its end sentinel on
// its own, without requesting cancellation.
func (h *Handle) Wait() (*ProcessInfo, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// GetState returns the process's current snapshot.
func (h *Handle) GetState() *ProcessInfo {
	return h.orch.GetState()
}

// GetProcessID returns the identifier of the process this handle owns.
func (h *Handle) GetProcessID() string {
	return h.orch.pctx.ProcessID
}

// Dispose stops the process if still running and releases its resources.
func (h *Handle) Dispose(ctx context.Context) error {
	h.cancel()
	<-h.done
	return h.orch.Dispose(ctx)
}
