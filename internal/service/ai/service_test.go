package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrouter/internal/config"
	"chatrouter/internal/models"
)

type fakeEinoModel struct {
	bound    []*schema.ToolInfo
	received []*schema.Message
	reply    *schema.Message
	err      error
}

func (f *fakeEinoModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.received = input
	return f.reply, f.err
}

func (f *fakeEinoModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func (f *fakeEinoModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	f.bound = tools
	return &boundModel{parent: f}, nil
}

type boundModel struct{ parent *fakeEinoModel }

func (b *boundModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return b.parent.Generate(ctx, input, opts...)
}

func (b *boundModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return b.parent.Stream(ctx, input, opts...)
}

func (b *boundModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return b.parent.WithTools(tools)
}

func TestConvertTranscriptToSchema(t *testing.T) {
	call := models.ToolCall{ID: "call_1", Name: "web_search", Arguments: `{"query":"go"}`}
	msgs := []*models.Message{
		models.NewSystemMessage("sys"),
		models.NewUserMessage("hi"),
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}},
		models.NewToolResult(call, "results"),
		nil,
		models.NewAssistantMessage("done"),
	}
	out := ToSchemaMessages(msgs)
	require.Len(t, out, 5)
	assert.Equal(t, schema.System, out[0].Role)
	assert.Equal(t, schema.User, out[1].Role)
	assert.Equal(t, schema.Assistant, out[2].Role)
	require.Len(t, out[2].ToolCalls, 1)
	assert.Equal(t, "call_1", out[2].ToolCalls[0].ID)
	assert.Equal(t, "web_search", out[2].ToolCalls[0].Function.Name)
	assert.Equal(t, `{"query":"go"}`, out[2].ToolCalls[0].Function.Arguments)
	assert.Equal(t, schema.Tool, out[3].Role)
	assert.Equal(t, "call_1", out[3].ToolCallID)
	assert.Equal(t, "done", out[4].Content)
}

func TestFromSchemaMessage(t *testing.T) {
	got := FromSchemaMessage(&schema.Message{
		Role:    schema.Assistant,
		Content: "",
		ToolCalls: []schema.ToolCall{{
			ID:       "c9",
			Function: schema.FunctionCall{Name: "web_search", Arguments: `{"query":"x"}`},
		}},
	})
	assert.True(t, got.HasToolCalls())
	assert.Equal(t, models.ToolCall{ID: "c9", Name: "web_search", Arguments: `{"query":"x"}`}, got.ToolCalls[0])

	empty := FromSchemaMessage(nil)
	assert.Equal(t, models.RoleAssistant, empty.Role)
	assert.False(t, empty.HasToolCalls())
}

func TestChatModelInvokeBindsTools(t *testing.T) {
	inner := &fakeEinoModel{reply: &schema.Message{Role: schema.Assistant, Content: "hello"}}
	cm := WrapChatModel(inner, "fake:model")
	assert.Equal(t, "fake:model", cm.Name())

	tools := []*schema.ToolInfo{{Name: "web_search"}}
	got, err := cm.Invoke(context.Background(), []*models.Message{models.NewUserMessage("hi")}, tools)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, tools, inner.bound)
	require.Len(t, inner.received, 1)
	assert.Equal(t, "hi", inner.received[0].Content)

	inner.err = errors.New("upstream 500")
	_, err = cm.Invoke(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestSpecFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Chat.Model = "anthropic:claude-sonnet-4"
	cfg.Providers["claude"] = config.ProviderConfig{APIKey: "k", BaseURL: "https://proxy"}

	spec, err := SpecFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, ProviderSpec{Provider: "claude", Model: "claude-sonnet-4", APIKey: "k", BaseURL: "https://proxy"}, spec)

	_, err = NewChatModel(context.Background(), ProviderSpec{Provider: "openai", Model: "gpt"})
	var cfgErr *config.ConfigError
	assert.True(t, errors.As(err, &cfgErr))

	_, err = NewChatModel(context.Background(), ProviderSpec{Provider: "mystery", APIKey: "k"})
	assert.True(t, errors.As(err, &cfgErr))
}
