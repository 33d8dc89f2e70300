// Package domain defines the core data model shared across the assistant:
// content blocks, messages, conversations, tools, and permission rules.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Role constants for messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Block type discriminators, matching the Anthropic wire format.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is a tagged variant carried inside a message. Exactly one set
// of fields is populated depending on Type. The JSON shape mirrors the
// Anthropic messages API so blocks round-trip byte-for-byte through the store
// and the wire.
type ContentBlock struct {
	Type string `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is a single turn in a conversation. Messages are immutable once
// appended to a conversation.
type Message struct {
	Role      string         `json:"role"`
	Blocks    []ContentBlock `json:"content"`
	CreatedAt time.Time      `json:"-"`
}

// Text concatenates the text of all text blocks in the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, blk := range m.Blocks {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, blk := range m.Blocks {
		if blk.Type == BlockToolUse {
			uses = append(uses, blk)
		}
	}
	return uses
}

// FlattenText renders the message to plain text for full-text indexing:
// text blocks verbatim, tool results by their content.
func (m Message) FlattenText() string {
	var parts []string
	for _, blk := range m.Blocks {
		switch blk.Type {
		case BlockText:
			parts = append(parts, blk.Text)
		case BlockToolResult:
			parts = append(parts, blk.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// Usage tracks token consumption for a single completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage record.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Conversation is the durable unit of dialogue state. Messages are ordered
// and append-only; the system prompt lives on the conversation, never as a
// message. Model and SystemPrompt may change only between turns.
type Conversation struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	SubAgent     string    `json:"sub_agent,omitempty"`
	Messages     []Message `json:"messages,omitempty"`
	ContextFiles []string  `json:"context_files,omitempty"`
	Usage        Usage     `json:"usage"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
