// Package noop registers the "none" cache: every read misses and every write
// is dropped, so the store always reads the database.
package noop

import (
	"context"
	"time"

	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/registry/cache"
	"github.com/google/uuid"
)

func init() {
	cache.Register(cache.Plugin{
		Name:   "none",
		Loader: func(context.Context) (cache.RecentCache, error) { return disabled{}, nil },
	})
}

type disabled struct{}

func (disabled) Available() bool { return false }

func (disabled) Get(context.Context, uuid.UUID) (*cache.Window, error) { return nil, nil }

func (disabled) Fill(context.Context, uuid.UUID, cache.Window, time.Duration) error { return nil }

func (disabled) Push(context.Context, uuid.UUID, model.Message) error { return nil }

func (disabled) Drop(context.Context, uuid.UUID) error { return nil }
