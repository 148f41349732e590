// Package echo registers a generator that answers without calling a model.
// It is the default so the service runs with no external dependencies.
package echo

import (
	"context"
	"fmt"

	"github.com/chirino/chat-service/internal/model"
	registrygenerate "github.com/chirino/chat-service/internal/registry/generate"
)

func init() {
	registrygenerate.Register(registrygenerate.Plugin{
		Name: "echo",
		Loader: func(_ context.Context) (registrygenerate.Generator, error) {
			return &Generator{}, nil
		},
	})
}

// Generator replies with the newest user message it was given.
type Generator struct{}

func (g *Generator) Name() string { return "echo" }

func (g *Generator) Generate(ctx context.Context, req registrygenerate.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role == model.RoleUser {
			return fmt.Sprintf("You said: %s", req.History[i].Content), nil
		}
	}
	return "", fmt.Errorf("echo: no user message in request")
}
