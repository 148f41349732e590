// Package claude registers the "anthropic" generator backed by the Anthropic
// Messages API.
package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registrygenerate "github.com/chirino/chat-service/internal/registry/generate"
)

func init() {
	registrygenerate.Register(registrygenerate.Plugin{
		Name:   "anthropic",
		Loader: load,
	})
}

func load(ctx context.Context) (registrygenerate.Generator, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("anthropic generator: missing config in context")
	}
	if cfg.GenerationAPIKey == "" {
		return nil, fmt.Errorf("anthropic generator: CHAT_SERVICE_GENERATION_API_KEY is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.GenerationAPIKey)}
	if cfg.GenerationBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.GenerationBaseURL))
	}
	return New(cfg.GenerationModel, int64(cfg.GenerationMaxTokens), opts...), nil
}

// New creates a generator for the given model. The pipeline owns timeouts and
// retries, so the client's own retries are turned off.
func New(modelName string, maxTokens int64, opts ...option.RequestOption) *Generator {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	opts = append([]option.RequestOption{option.WithMaxRetries(0)}, opts...)
	client := anthropic.NewClient(opts...)
	return &Generator{client: &client, model: modelName, maxTokens: maxTokens}
}

type Generator struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

func (g *Generator) Name() string { return "anthropic" }

func (g *Generator) Generate(ctx context.Context, req registrygenerate.Request) (string, error) {
	messages := toMessages(req.History)
	if len(messages) == 0 {
		return "", fmt.Errorf("anthropic generate: no user message in request")
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages:  messages,
	}
	if system := req.SystemWithMemory(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic generate: %w", err)
	}

	var reply strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(reply.String())
	if text == "" {
		return "", fmt.Errorf("anthropic generate: empty reply (stop reason %q)", resp.StopReason)
	}
	return text, nil
}

// toMessages converts history into the alternating user/assistant sequence
// the Messages API accepts: it must open with a user turn and consecutive
// turns of the same role are merged.
func toMessages(history []registrygenerate.Turn) []anthropic.MessageParam {
	type merged struct {
		role model.Role
		text []string
	}
	var turns []merged
	for _, t := range history {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		if len(turns) == 0 && t.Role != model.RoleUser {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].role == t.Role {
			turns[n-1].text = append(turns[n-1].text, t.Content)
			continue
		}
		turns = append(turns, merged{role: t.Role, text: []string{t.Content}})
	}

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(strings.Join(t.text, "\n\n"))
		if t.role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
