package embed

import (
	"context"
	"fmt"
	"strings"
)

// Embedder turns message text into vectors for the memory index. All
// vectors from one embedder have Dimension() entries.
type Embedder interface {
	// EmbedTexts returns a vector embedding for each input text, in the same order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	// ModelName returns the model identifier used for embedding.
	ModelName() string
	// Dimension returns the dimensionality of the embeddings.
	Dimension() int
}

// Loader creates an Embedder from config.
type Loader func(ctx context.Context) (Embedder, error)

// Plugin represents an embedder plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an embedder plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered embedder plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Enabled reports whether kind names an embedder at all. An empty kind and
// "none" both leave the memory index without embeddings.
func Enabled(kind string) bool {
	kind = normalize(kind)
	return kind != "" && kind != "none"
}

func normalize(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

// Select returns the loader for the named embedder plugin. Names are matched
// case-insensitively.
func Select(name string) (Loader, error) {
	name = normalize(name)
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown embedder %q; valid: %v", name, Names())
}
