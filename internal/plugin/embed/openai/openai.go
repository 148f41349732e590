// Package openai embeds text through any OpenAI compatible /embeddings API.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/chirino/chat-service/internal/config"
	registryembed "github.com/chirino/chat-service/internal/registry/embed"
	goopenai "github.com/sashabaranov/go-openai"
)

var nativeDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

func init() {
	registryembed.Register(registryembed.Plugin{
		Name: "openai",
		Loader: func(ctx context.Context) (registryembed.Embedder, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.OpenAIAPIKey == "" {
				return nil, fmt.Errorf("openai embedder: CHAT_SERVICE_OPENAI_API_KEY is required")
			}
			return New(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModelName, cfg.OpenAIDimensions), nil
		},
	})
}

type OpenAIEmbedder struct {
	client *goopenai.Client
	model  string
	// requested is sent to the API only when positive.
	requested int
	dimension int
}

// New creates an embedder. dimensions <= 0 keeps the model's native size.
func New(baseURL, apiKey, model string, dimensions int) *OpenAIEmbedder {
	clientCfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	e := &OpenAIEmbedder{
		client:    goopenai.NewClientWithConfig(clientCfg),
		model:     model,
		requested: max(dimensions, 0),
		dimension: dimensions,
	}
	if e.dimension <= 0 {
		e.dimension = nativeDimensions[strings.ToLower(model)]
	}
	return e
}

func (e *OpenAIEmbedder) ModelName() string { return e.model }

func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input:      texts,
		Model:      goopenai.EmbeddingModel(e.model),
		Dimensions: e.requested,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) || out[d.Index] != nil {
			return nil, fmt.Errorf("openai embed: unexpected index %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

var _ registryembed.Embedder = (*OpenAIEmbedder)(nil)
