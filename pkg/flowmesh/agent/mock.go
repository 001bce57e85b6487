package agent

import (
	"context"
	"sync"
)

// MockClient is a Client double for tests: it returns a fixed or cycling
// set of canned responses and records every request it received.
type MockClient struct {
	mu sync.Mutex

	responses []string
	next      int

	err error

	completeFn func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	streamFn   func(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)

	Calls []CompletionRequest
}

// NewMockClient returns a MockClient that always answers with response,
// unless overridden by WithResponses/WithCompleteFunc/WithError.
func NewMockClient(response string) *MockClient {
	return &MockClient{responses: []string{response}}
}

// WithResponses makes successive Complete calls cycle through responses.
func (m *MockClient) WithResponses(responses ...string) *MockClient {
	m.responses = responses
	m.next = 0
	return m
}

// WithError makes every call return err instead of a response.
func (m *MockClient) WithError(err error) *MockClient {
	m.err = err
	return m
}

// WithCompleteFunc overrides Complete entirely with fn.
func (m *MockClient) WithCompleteFunc(fn func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)) *MockClient {
	m.completeFn = fn
	return m
}

// WithStreamFunc overrides Stream entirely with fn.
func (m *MockClient) WithStreamFunc(fn func(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)) *MockClient {
	m.streamFn = fn
	return m
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.completeFn != nil {
		return m.completeFn(ctx, req)
	}

	content := m.nextResponse()
	return &CompletionResponse{
		Content:      content,
		FinishReason: "stop",
		Usage:        approximateUsage(req, content),
	}, nil
}

// Stream implements Client, emitting the whole response as a single chunk
// unless overridden by WithStreamFunc.
func (m *MockClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	if m.streamFn != nil {
		return m.streamFn(ctx, req)
	}

	content := m.nextResponse()
	usage := approximateUsage(req, content)
	ch := make(chan StreamChunk, 2)
	go func() {
		defer close(ch)
		select {
		case ch <- StreamChunk{Content: content, Done: true, Usage: &usage}:
		case <-ctx.Done():
			ch <- StreamChunk{Error: ctx.Err()}
		}
	}()
	return ch, nil
}

func (m *MockClient) nextResponse() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return ""
	}
	r := m.responses[m.next%len(m.responses)]
	m.next++
	return r
}

func approximateUsage(req CompletionRequest, content string) TokenUsage {
	in := 1
	for _, msg := range req.Messages {
		in += len(msg.Content)/4 + 1
	}
	out := len(content)/4 + 1
	return TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

// CallCount returns how many Complete/Stream calls have been recorded.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent request, or nil if none have been made.
func (m *MockClient) LastCall() *CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	return &m.Calls[len(m.Calls)-1]
}

// Reset clears call history and rewinds the response cycle.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.next = 0
}
