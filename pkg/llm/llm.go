// Package llm provides the language-model collaborator used by the
// conversation engine: streaming token generation with tool-call support.
package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a structured function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolSchema declares a tool the model may call. Parameters is a JSON Schema
// object describing the arguments.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Message is one entry of the model's context window.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall // set on assistant messages that requested tools
	ToolCallID string     // set on tool result messages
}

// Event is one increment of a streaming generation. Exactly one field group is
// set: TextDelta for token increments, ToolCalls when the model finished a
// tool-call request, Err on stream failure. The event channel is closed after
// the final event.
type Event struct {
	TextDelta string
	ToolCalls []ToolCall
	Err       error
}

// Client streams model output for a conversation.
type Client interface {
	// GenerateStream starts a streaming completion. The returned channel is
	// closed when generation finishes, fails, or ctx is cancelled.
	GenerateStream(ctx context.Context, messages []Message, tools []ToolSchema) (<-chan Event, error)
	IsAvailable() bool
}
