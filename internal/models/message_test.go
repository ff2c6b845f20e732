package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTranscript(t *testing.T) {
	call := ToolCall{ID: "call_1", Name: "web_search", Arguments: `{"query":"go"}`}
	asst := &Message{Role: RoleAssistant, ToolCalls: []ToolCall{call, {ID: "call_2", Name: "web_search"}}}

	ok := []*Message{
		NewUserMessage("hi"),
		asst,
		NewToolResult(call, "r1"),
		NewToolResult(ToolCall{ID: "call_2"}, "r2"),
		NewAssistantMessage("done"),
	}
	require.NoError(t, ValidateTranscript(ok))

	orphan := []*Message{NewUserMessage("hi"), NewToolResult(call, "r1")}
	assert.Error(t, ValidateTranscript(orphan))

	wrongID := []*Message{asst, NewToolResult(ToolCall{ID: "other"}, "r")}
	assert.Error(t, ValidateTranscript(wrongID))

	afterUser := []*Message{asst, NewUserMessage("interrupt"), NewToolResult(call, "r1")}
	assert.Error(t, ValidateTranscript(afterUser))
}

func TestMessageCloneIsDeep(t *testing.T) {
	orig := &Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "t"}}}
	c := orig.Clone()
	c.ToolCalls[0].Name = "changed"
	assert.Equal(t, "t", orig.ToolCalls[0].Name)
	assert.True(t, orig.HasToolCalls())
	assert.False(t, NewUserMessage("x").HasToolCalls())

	var nilMsg *Message
	assert.Nil(t, nilMsg.Clone())
	assert.False(t, nilMsg.HasToolCalls())
}

func TestSessionClone(t *testing.T) {
	s := &Session{ID: "s1", Messages: []*Message{NewUserMessage("a"), nil}}
	c := s.Clone()
	require.Len(t, c.Messages, 1)
	c.Messages[0].Content = "b"
	assert.Equal(t, "a", s.Messages[0].Content)
}
