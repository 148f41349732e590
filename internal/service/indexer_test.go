package service

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/memory"
	"github.com/chirino/chat-service/internal/model"
	localembed "github.com/chirino/chat-service/internal/plugin/embed/local"
	"github.com/chirino/chat-service/internal/plugin/vector/chromem"
	registryvector "github.com/chirino/chat-service/internal/registry/vector"
	"github.com/chirino/chat-service/internal/testutil/testsqlite"
	"github.com/stretchr/testify/require"
)

func TestIndexBatch(t *testing.T) {
	store, ctx := testsqlite.NewStore(t)
	vectors, err := chromem.New("")
	require.NoError(t, err)
	mem := memory.New(&localembed.LocalEmbedder{}, vectors, memory.Options{Timeout: time.Second})

	chat, err := store.CreateChat(ctx, "alice", "indexing")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, "alice", chat.ID, model.RoleUser, "my dog is called Rex")
	require.NoError(t, err)
	reply, err := store.AppendMessage(ctx, "alice", chat.ID, model.RoleAssistant, "Rex is a fine name")
	require.NoError(t, err)

	indexer := NewBackgroundIndexer(store, mem, time.Hour, 10)
	require.Equal(t, 2, indexer.IndexBatch(ctx))
	require.Zero(t, indexer.IndexBatch(ctx))

	pending, err := store.FindMessagesPendingIndexing(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	vec, ok := mem.Embed(ctx, "Rex is a fine name")
	require.True(t, ok)
	results, err := vectors.Search(ctx, vec, registryvector.Filter{ChatID: &chat.ID}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, reply.ID, results[0].MessageID)
	require.Equal(t, model.RoleAssistant, results[0].Role)
}

func TestIndexBatch_MemoryDisabledLeavesMessagesPending(t *testing.T) {
	store, ctx := testsqlite.NewStore(t)
	chat, err := store.CreateChat(ctx, "alice", "indexing")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, "alice", chat.ID, model.RoleUser, "hello")
	require.NoError(t, err)

	indexer := NewBackgroundIndexer(store, memory.Disabled(), time.Hour, 10)
	require.Zero(t, indexer.IndexBatch(ctx))

	pending, err := store.FindMessagesPendingIndexing(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestStartReturnsWhenDisabled(t *testing.T) {
	store, _ := testsqlite.NewStore(t)
	indexer := NewBackgroundIndexer(store, memory.Disabled(), time.Millisecond, 10)

	done := make(chan struct{})
	go func() {
		indexer.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return for a disabled memory index")
	}
}
