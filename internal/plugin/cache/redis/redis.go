// Package redis keeps recency windows in Redis. Each chat has a list of JSON
// encoded messages and a size key; both share a hash tag so they live in the
// same cluster slot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "redis",
		Loader: func(ctx context.Context) (registrycache.RecentCache, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.RedisURL == "" {
				return nil, fmt.Errorf("redis cache: CHAT_SERVICE_REDIS_URL is required")
			}
			return Connect(ctx, cfg.RedisURL, cfg.CacheTTL)
		},
	})
}

// pushScript appends to a window only while its size key exists, then trims
// the list to that size and refreshes both expiries.
var pushScript = goredis.NewScript(`
local size = redis.call('GET', KEYS[2])
if not size then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('LTRIM', KEYS[1], -tonumber(size), -1)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 1
`)

type Cache struct {
	client *goredis.Client
	ttl    time.Duration
}

// Connect parses a redis:// URL and pings the server before returning.
func Connect(ctx context.Context, redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}, nil
}

func keys(chatID uuid.UUID) (list, size string) {
	tag := "{chat:" + chatID.String() + "}"
	return tag + ":recent", tag + ":size"
}

func (c *Cache) Available() bool { return true }

func (c *Cache) Get(ctx context.Context, chatID uuid.UUID) (*registrycache.Window, error) {
	listKey, sizeKey := keys(chatID)
	var (
		sizeCmd *goredis.StringCmd
		listCmd *goredis.StringSliceCmd
	)
	_, err := c.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		sizeCmd = p.Get(ctx, sizeKey)
		listCmd = p.LRange(ctx, listKey, 0, -1)
		return nil
	})
	if errors.Is(sizeCmd.Err(), goredis.Nil) {
		return nil, nil
	}
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, err
	}

	size, err := strconv.Atoi(sizeCmd.Val())
	if err != nil {
		return nil, fmt.Errorf("redis cache: bad window size %q", sizeCmd.Val())
	}
	w := &registrycache.Window{Size: size, Messages: make([]model.Message, 0, len(listCmd.Val()))}
	for _, raw := range listCmd.Val() {
		var m model.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("redis cache: decode message: %w", err)
		}
		w.Messages = append(w.Messages, m)
	}
	return w, nil
}

func (c *Cache) Fill(ctx context.Context, chatID uuid.UUID, w registrycache.Window, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	encoded := make([]any, 0, len(w.Messages))
	for _, m := range w.Messages {
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		encoded = append(encoded, raw)
	}
	listKey, sizeKey := keys(chatID)
	_, err := c.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, listKey)
		if len(encoded) > 0 {
			p.RPush(ctx, listKey, encoded...)
			p.PExpire(ctx, listKey, ttl)
		}
		p.Set(ctx, sizeKey, w.Size, ttl)
		return nil
	})
	return err
}

func (c *Cache) Push(ctx context.Context, chatID uuid.UUID, msg model.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	listKey, sizeKey := keys(chatID)
	err = pushScript.Run(ctx, c.client, []string{listKey, sizeKey}, raw, c.ttl.Milliseconds()).Err()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	return err
}

func (c *Cache) Drop(ctx context.Context, chatID uuid.UUID) error {
	listKey, sizeKey := keys(chatID)
	return c.client.Del(ctx, listKey, sizeKey).Err()
}

func (c *Cache) Close() error { return c.client.Close() }

var _ registrycache.RecentCache = (*Cache)(nil)
