package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for the LLM Client interface.
type MockClient struct {
	Response *Response
	Err      error

	mu    sync.Mutex
	calls []Request
}

// Complete records the call and returns the mock response.
func (m *MockClient) Complete(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	return m.Response, m.Err
}

// Calls returns the requests received so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}
