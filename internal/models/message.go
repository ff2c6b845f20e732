package models

import (
	"fmt"
	"time"
)

// Role tags who produced a message in a transcript.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCall is a model directive asking for a named tool to run with JSON arguments.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one transcript entry. Messages are not mutated after creation;
// callers that need a variant build a new one.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func NewUserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content, CreatedAt: time.Now().UTC()}
}

func NewAssistantMessage(content string) *Message {
	return &Message{Role: RoleAssistant, Content: content, CreatedAt: time.Now().UTC()}
}

func NewSystemMessage(content string) *Message {
	return &Message{Role: RoleSystem, Content: content, CreatedAt: time.Now().UTC()}
}

// NewToolResult builds the tool-role reply to a single tool call.
func NewToolResult(call ToolCall, content string) *Message {
	return &Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		CreatedAt:  time.Now().UTC(),
	}
}

// HasToolCalls reports whether m is an assistant message with pending tool calls.
func (m *Message) HasToolCalls() bool {
	return m != nil && m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if len(m.ToolCalls) > 0 {
		c.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return &c
}

// CloneMessages deep-copies a transcript, skipping nil entries.
func CloneMessages(msgs []*Message) []*Message {
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		out = append(out, m.Clone())
	}
	return out
}

// ValidateTranscript checks that every tool message answers a tool call
// declared by the closest preceding assistant message.
func ValidateTranscript(msgs []*Message) error {
	var pending map[string]bool
	for i, m := range msgs {
		if m == nil {
			return fmt.Errorf("message %d is nil", i)
		}
		switch m.Role {
		case RoleTool:
			if pending == nil || !pending[m.ToolCallID] {
				return fmt.Errorf("message %d: tool result %q has no matching tool call", i, m.ToolCallID)
			}
		case RoleAssistant:
			pending = make(map[string]bool, len(m.ToolCalls))
			for _, call := range m.ToolCalls {
				pending[call.ID] = true
			}
		default:
			pending = nil
		}
	}
	return nil
}
