package agent

import "encoding/json"

// Event types emitted by AdvanceStream. The JSON shape is the newline-JSON
// protocol consumed by the terminal renderer and the /message/stream
// endpoint.
const (
	EventText       = "text"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventFinal      = "final"
	EventError      = "error"
)

// Event is one streamed record of a turn.
type Event struct {
	Type string `json:"type"`

	// EventText
	Delta string `json:"delta,omitempty"`

	// EventToolCall / EventToolResult
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// EventToolResult and EventFinal
	Content string `json:"content,omitempty"`

	// EventError
	Error string `json:"error,omitempty"`
}
