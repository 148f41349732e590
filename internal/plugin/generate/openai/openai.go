// Package openai generates replies through an OpenAI compatible
// /chat/completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registrygenerate "github.com/chirino/chat-service/internal/registry/generate"
	goopenai "github.com/sashabaranov/go-openai"
)

func init() {
	registrygenerate.Register(registrygenerate.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registrygenerate.Generator, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("openai generator: missing config in context")
	}
	apiKey := firstNonEmpty(cfg.GenerationAPIKey, cfg.OpenAIAPIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("openai generator: CHAT_SERVICE_GENERATION_API_KEY is required")
	}
	return New(firstNonEmpty(cfg.GenerationBaseURL, cfg.OpenAIBaseURL), apiKey, cfg.GenerationModel, cfg.GenerationMaxTokens), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type OpenAIGenerator struct {
	client    *goopenai.Client
	model     string
	maxTokens int
}

// New creates a generator. An empty baseURL targets api.openai.com.
func New(baseURL, apiKey, modelName string, maxTokens int) *OpenAIGenerator {
	clientCfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIGenerator{
		client:    goopenai.NewClientWithConfig(clientCfg),
		model:     modelName,
		maxTokens: maxTokens,
	}
}

func (g *OpenAIGenerator) Name() string { return "openai" }

var errNoReply = errors.New("openai generate: no reply returned")

func (g *OpenAIGenerator) Generate(ctx context.Context, req registrygenerate.Request) (string, error) {
	if len(req.History) == 0 {
		return "", fmt.Errorf("openai generate: empty history")
	}
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.History)+1)
	if system := req.SystemWithMemory(); system != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: system})
	}
	for _, turn := range req.History {
		role := goopenai.ChatMessageRoleUser
		if turn.Role == model.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		messages = append(messages, goopenai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}

	resp, err := g.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:     g.model,
		Messages:  messages,
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errNoReply
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", errNoReply
	}
	return reply, nil
}
