package llm

import "context"

// MockClient is a configurable Client for tests.
type MockClient struct {
	CompleteFunc func(ctx context.Context, req Request) (*Response, error)
	StreamFunc   func(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Complete calls CompleteFunc.
func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	return m.CompleteFunc(ctx, req)
}

// Stream calls StreamFunc if set; otherwise it synthesizes a stream from
// CompleteFunc (one message_stop carrying the response).
func (m *MockClient) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	resp, err := m.CompleteFunc(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamEvent, 1)
	ch <- StreamEvent{Type: EventMessageStop, Response: resp}
	close(ch)
	return ch, nil
}
