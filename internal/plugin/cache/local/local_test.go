package local

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/model"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func msg(content string) model.Message {
	return model.Message{ID: uuid.New(), Role: model.RoleUser, Content: content}
}

func contents(w *registrycache.Window) []string {
	out := make([]string, len(w.Messages))
	for i, m := range w.Messages {
		out[i] = m.Content
	}
	return out
}

func TestLocalCache_FillGetDrop(t *testing.T) {
	c, err := New(100, time.Minute)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	ctx := context.Background()
	chatID := uuid.New()

	got, err := c.Get(ctx, chatID)
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, c.Fill(ctx, chatID, registrycache.Window{Size: 5, Messages: []model.Message{msg("hello")}}, 0))
	got, err = c.Get(ctx, chatID)
	require.NoError(t, err)
	require.True(t, got.Covers(5))
	require.Equal(t, []string{"hello"}, contents(got))

	require.NoError(t, c.Drop(ctx, chatID))
	got, err = c.Get(ctx, chatID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestLocalCache_PushTrimsToWindowSize(t *testing.T) {
	c, err := New(100, time.Minute)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	ctx := context.Background()
	chatID := uuid.New()
	require.NoError(t, c.Fill(ctx, chatID, registrycache.Window{Size: 2, Messages: []model.Message{msg("a"), msg("b")}}, 0))

	before, err := c.Get(ctx, chatID)
	require.NoError(t, err)

	require.NoError(t, c.Push(ctx, chatID, msg("c")))
	after, err := c.Get(ctx, chatID)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, contents(after))
	require.Equal(t, []string{"a", "b"}, contents(before))
}

func TestLocalCache_PushWithoutWindowIsNoop(t *testing.T) {
	c, err := New(100, time.Minute)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	ctx := context.Background()
	chatID := uuid.New()
	require.NoError(t, c.Push(ctx, chatID, msg("orphan")))
	got, err := c.Get(ctx, chatID)
	require.NoError(t, err)
	require.Nil(t, got)
}
