// Package llm translates between the assistant's message model and the
// Anthropic Messages HTTP API, in both batch and streaming modes.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/soyeahso/aixplosion/internal/domain"
)

// ErrAuth marks 401/403 responses. Authentication failures are terminal and
// never retried.
var ErrAuth = errors.New("authentication failed")

// APIError is a non-auth HTTP error from the API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

// Retryable reports whether the error is worth another attempt.
func (e *APIError) Retryable() bool {
	return e.Status >= 500
}

// Request is the input to a Complete or Stream call.
type Request struct {
	Model       string
	System      string
	Messages    []domain.Message
	Tools       []domain.Tool
	MaxTokens   int
	Temperature float64
}

// Response is a completed assistant turn.
type Response struct {
	Message    domain.Message
	StopReason string
	Model      string
	Usage      domain.Usage
}

// Stream event types.
const (
	EventBlockStart     = "block_start"
	EventTextDelta      = "text_delta"
	EventInputJSONDelta = "input_json_delta"
	EventBlockStop      = "block_stop"
	EventMessageStop    = "message_stop"
	EventError          = "error"
)

// StreamEvent is one record from a streaming completion. Index identifies
// the content block the event belongs to. The terminal EventMessageStop
// carries the fully assembled Response; EventError carries Err.
type StreamEvent struct {
	Type        string
	Index       int
	BlockType   string // block_start: "text" or "tool_use"
	ID          string // block_start of a tool_use block
	Name        string // block_start of a tool_use block
	Text        string // text_delta
	PartialJSON string // input_json_delta
	Block       *domain.ContentBlock // block_stop: the assembled block
	Response    *Response
	Err         string
}

// Client is the LLM client interface. The agent loop depends on this, not on
// the concrete HTTP implementation, so tests can substitute a mock.
type Client interface {
	// Complete sends a batch request and returns the assistant message.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends a streaming request. The returned channel is closed after
	// the terminal event (message_stop or error).
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}
