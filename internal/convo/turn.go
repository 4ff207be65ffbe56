// Package convo defines the conversation data model: immutable turns,
// per-thread state, and the reducers that mutate state between
// orchestration steps.
package convo

import (
	"time"

	"github.com/google/uuid"

	"github.com/openbloom/cryptochat/internal/llm"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Turn is one message in a conversation. Turns are immutable once
// created; later turns reference them by ID, never mutate them.
type Turn struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// ToolCalls carries structured call requests on assistant turns.
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-result turn back to its invoking call.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// NewTurn creates a turn with a fresh UUIDv7 ID. UUIDv7 sorts by
// creation time, which keeps persisted turns in insertion order.
func NewTurn(role, content string) Turn {
	return Turn{
		ID:        newID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolResultTurn creates a tool-result turn correlated to a call.
func NewToolResultTurn(content, toolCallID string) Turn {
	t := NewTurn(RoleTool, content)
	t.ToolCallID = toolCallID
	return t
}

// NewAssistantTurn creates an assistant turn from an LLM message,
// carrying any tool-call requests the model emitted.
func NewAssistantTurn(msg llm.Message) Turn {
	t := NewTurn(RoleAssistant, msg.Content)
	t.ToolCalls = msg.ToolCalls
	return t
}

// HasToolCalls reports whether this turn carries at least one tool
// call request.
func (t Turn) HasToolCalls() bool {
	return t.Role == RoleAssistant && len(t.ToolCalls) > 0
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}
