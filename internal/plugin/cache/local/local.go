// Package local registers an in-process recent-messages cache backed by ristretto.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrycache.RecentCache, error) {
			maxChats, ttl := int64(10000), 10*time.Minute
			if cfg := config.FromContext(ctx); cfg != nil {
				if cfg.CacheLocalMaxChats > 0 {
					maxChats = cfg.CacheLocalMaxChats
				}
				if cfg.CacheTTL > 0 {
					ttl = cfg.CacheTTL
				}
			}
			return New(maxChats, ttl)
		},
	})
}

// Cache holds the windows of at most maxChats chats. Each chat costs one
// unit regardless of window size.
type Cache struct {
	windows *ristretto.Cache[string, registrycache.Window]
	ttl     time.Duration
	// mu serialises read-modify-write in Push.
	mu sync.Mutex
}

func New(maxChats int64, ttl time.Duration) (*Cache, error) {
	windows, err := ristretto.NewCache(&ristretto.Config[string, registrycache.Window]{
		NumCounters: maxChats * 10,
		MaxCost:     maxChats,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &Cache{windows: windows, ttl: ttl}, nil
}

func (c *Cache) Available() bool { return true }

func (c *Cache) Get(_ context.Context, chatID uuid.UUID) (*registrycache.Window, error) {
	w, ok := c.windows.Get(chatID.String())
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (c *Cache) Fill(_ context.Context, chatID uuid.UUID, w registrycache.Window, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(chatID, w, ttl)
	return nil
}

func (c *Cache) Push(_ context.Context, chatID uuid.UUID, msg model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows.Get(chatID.String())
	if !ok {
		return nil
	}
	// Copy so readers holding the previous slice never see it change.
	msgs := make([]model.Message, 0, len(w.Messages)+1)
	msgs = append(msgs, w.Messages...)
	msgs = append(msgs, msg)
	if len(msgs) > w.Size {
		msgs = msgs[len(msgs)-w.Size:]
	}
	c.store(chatID, registrycache.Window{Messages: msgs, Size: w.Size}, 0)
	return nil
}

func (c *Cache) Drop(_ context.Context, chatID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows.Del(chatID.String())
	c.windows.Wait()
	return nil
}

func (c *Cache) store(chatID uuid.UUID, w registrycache.Window, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.windows.SetWithTTL(chatID.String(), w, 1, ttl)
	// Set is buffered; the next Get must see this write.
	c.windows.Wait()
}

// Close stops ristretto's background goroutines.
func (c *Cache) Close() { c.windows.Close() }

var _ registrycache.RecentCache = (*Cache)(nil)
