package agent

import "context"

// Client is the interface an agent step invokes to run one completion turn.
// ClaudeCLI and MockClient are its two implementations; production code
// depends only on this interface so a step factory can swap in a mock for
// tests without touching orchestrator wiring.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}

var (
	_ Client = (*ClaudeCLI)(nil)
	_ Client = (*MockClient)(nil)
)
