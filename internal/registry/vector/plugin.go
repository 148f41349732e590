package vector

import (
	"context"
	"fmt"

	"github.com/chirino/chat-service/internal/model"
	"github.com/google/uuid"
)

// Filter restricts a search to one chat, one user, or both.
// Zero values are not applied.
type Filter struct {
	ChatID *uuid.UUID
	UserID string
}

// SearchResult is a single nearest-neighbour hit. Score is a cosine
// similarity where larger means closer.
type SearchResult struct {
	MessageID uuid.UUID  `json:"messageId"`
	ChatID    uuid.UUID  `json:"chatId"`
	Role      model.Role `json:"role"`
	Score     float64    `json:"score"`
}

// UpsertRequest holds the data for a single vector upsert operation.
type UpsertRequest struct {
	MessageID uuid.UUID
	ChatID    uuid.UUID
	UserID    string
	Role      model.Role
	Embedding []float32
	ModelName string
}

// VectorStore defines the interface for vector search backends.
type VectorStore interface {
	// Search returns up to limit hits ordered by descending score.
	Search(ctx context.Context, embedding []float32, filter Filter, limit int) ([]SearchResult, error)
	// Upsert stores or replaces the embeddings of a batch of messages.
	Upsert(ctx context.Context, entries []UpsertRequest) error
	// DeleteByChatID removes every embedding recorded for a chat.
	DeleteByChatID(ctx context.Context, chatID uuid.UUID) error
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	// Name returns the plugin name (e.g. "qdrant", "pgvector").
	Name() string
}

// Loader creates a VectorStore from config.
type Loader func(ctx context.Context) (VectorStore, error)

// Plugin represents a vector store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a vector store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered vector store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named vector store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown vector store %q; valid: %v", name, Names())
}
