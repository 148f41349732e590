// Package cache defines the recency-window cache that sits in front of the
// conversation store, and the registry of its backends.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/model"
	"github.com/google/uuid"
)

// Window is the cached tail of a chat, oldest first.
type Window struct {
	Messages []model.Message
	// Size is the window length the entry was filled for. Messages holds
	// fewer entries only when the chat itself is shorter.
	Size int
}

// Covers reports whether the window can answer a request for the last n messages.
func (w *Window) Covers(n int) bool {
	return w != nil && w.Size >= n
}

// RecentCache keeps recency windows warm across turns. Get returns nil
// without error on a miss. Push extends a cached window in place and is a
// no-op when the chat has none.
type RecentCache interface {
	Available() bool
	Get(ctx context.Context, chatID uuid.UUID) (*Window, error)
	Fill(ctx context.Context, chatID uuid.UUID, window Window, ttl time.Duration) error
	Push(ctx context.Context, chatID uuid.UUID, msg model.Message) error
	Drop(ctx context.Context, chatID uuid.UUID) error
}

type recentCacheKey struct{}

// WithRecentCache returns a context carrying c for store loaders.
func WithRecentCache(ctx context.Context, c RecentCache) context.Context {
	return context.WithValue(ctx, recentCacheKey{}, c)
}

// RecentCacheFromContext returns the cache set by WithRecentCache, or nil.
func RecentCacheFromContext(ctx context.Context) RecentCache {
	c, _ := ctx.Value(recentCacheKey{}).(RecentCache)
	return c
}

type Loader func(ctx context.Context) (RecentCache, error)

type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

func Register(p Plugin) {
	plugins = append(plugins, p)
}

func Names() []string {
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, p.Name)
	}
	return names
}

func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
