package llm

import (
	"context"
	"sync"
)

// MockResponse scripts one Invoke result for a Mock provider.
type MockResponse struct {
	Text      string
	Value     map[string]any
	ToolCalls []ToolCall
	Usage     Usage
	Err       error
}

// Mock is a scripted provider for tests. Responses are consumed in order and
// the final one repeats; every request is recorded for inspection.
type Mock struct {
	mu        sync.Mutex
	responses []MockResponse
	calls     []Request
}

// NewMock returns a Mock that replies with the given responses in order.
func NewMock(responses ...MockResponse) *Mock {
	return &Mock{responses: responses}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindTimeout, Provider: "mock", Message: "context cancelled", Cause: err}
	}
	m.mu.Lock()
	m.calls = append(m.calls, req)
	idx := len(m.calls) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	var scripted MockResponse
	if idx >= 0 {
		scripted = m.responses[idx]
	}
	m.mu.Unlock()

	if scripted.Err != nil {
		return nil, scripted.Err
	}
	return &Response{
		Text:      scripted.Text,
		Value:     scripted.Value,
		ToolCalls: scripted.ToolCalls,
		Usage:     scripted.Usage,
	}, nil
}

// Calls returns a copy of every request seen so far, in order.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// CallCount returns how many times Invoke was called.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
