package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatrouter/internal/config"
	"chatrouter/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// ProviderSpec selects a chat provider and model.
type ProviderSpec struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// SpecFromConfig resolves chat.model against the provider table.
func SpecFromConfig(cfg *config.Config) (ProviderSpec, error) {
	if cfg == nil {
		return ProviderSpec{}, errors.New("config required")
	}
	provider, modelName, err := config.ParseModel(cfg.Chat.Model)
	if err != nil {
		return ProviderSpec{}, err
	}
	provCfg := cfg.Providers[provider]
	if modelName == "" {
		modelName = provCfg.Model
	}
	return ProviderSpec{
		Provider: provider,
		Model:    modelName,
		APIKey:   provCfg.APIKey,
		BaseURL:  provCfg.BaseURL,
	}, nil
}

// ChatModel adapts an eino tool-calling model to the router's model
// capability. Messages are converted once at this boundary.
type ChatModel struct {
	inner model.ToolCallingChatModel
	name  string
}

// NewChatModel builds the provider client named by spec.
func NewChatModel(ctx context.Context, spec ProviderSpec) (*ChatModel, error) {
	if spec.APIKey == "" {
		return nil, &config.ConfigError{Field: "providers." + spec.Provider + ".api_key", Reason: "is required"}
	}
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch spec.Provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: spec.BaseURL,
			Model:   spec.Model,
			APIKey:  spec.APIKey,
			Timeout: 90 * time.Second,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  spec.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  spec.Model,
		})
	case "claude":
		var baseURLPtr *string
		if spec.BaseURL != "" {
			baseURLPtr = &spec.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    spec.APIKey,
			Model:     spec.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, &config.ConfigError{Field: "chat.model", Reason: fmt.Sprintf("invalid provider: %s", spec.Provider)}
	}
	if err != nil {
		return nil, fmt.Errorf("start %s chat model: %w", spec.Provider, err)
	}
	return &ChatModel{inner: chatModel, name: spec.Provider + ":" + spec.Model}, nil
}

// WrapChatModel adapts an already constructed eino model.
func WrapChatModel(inner model.ToolCallingChatModel, name string) *ChatModel {
	return &ChatModel{inner: inner, name: name}
}

func (m *ChatModel) Name() string { return m.name }

// Invoke sends the transcript with tools bound and converts the reply back.
func (m *ChatModel) Invoke(ctx context.Context, msgs []*models.Message, tools []*schema.ToolInfo) (*models.Message, error) {
	cm := m.inner
	if len(tools) > 0 {
		bound, err := m.inner.WithTools(tools)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
		cm = bound
	}
	out, err := cm.Generate(ctx, ToSchemaMessages(msgs))
	if err != nil {
		return nil, err
	}
	return FromSchemaMessage(out), nil
}

// ToSchemaMessages converts a transcript to eino messages.
func ToSchemaMessages(msgs []*models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		converted := &schema.Message{Content: msg.Content}
		switch msg.Role {
		case models.RoleUser:
			converted.Role = schema.User
		case models.RoleAssistant:
			converted.Role = schema.Assistant
			for _, call := range msg.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, schema.ToolCall{
					ID:   call.ID,
					Type: "function",
					Function: schema.FunctionCall{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
		case models.RoleSystem:
			converted.Role = schema.System
		case models.RoleTool:
			converted.Role = schema.Tool
			converted.ToolCallID = msg.ToolCallID
			converted.ToolName = msg.ToolName
		default:
			converted.Role = schema.User
		}
		out = append(out, converted)
	}
	return out
}

// FromSchemaMessage converts a model reply. A nil reply becomes an empty
// assistant message.
func FromSchemaMessage(msg *schema.Message) *models.Message {
	out := &models.Message{Role: models.RoleAssistant, CreatedAt: time.Now().UTC()}
	if msg == nil {
		return out
	}
	out.Content = msg.Content
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return out
}
