// Package vectortest holds behaviour tests shared by every VectorStore plugin.
package vectortest

import (
	"context"
	"testing"

	"github.com/chirino/chat-service/internal/model"
	localembed "github.com/chirino/chat-service/internal/plugin/embed/local"
	registryvector "github.com/chirino/chat-service/internal/registry/vector"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	chat uuid.UUID
	user string
	role model.Role
	text string
}

// Run seeds store with a few messages embedded by the local embedder and checks
// ranking, filtering, and deletion.
func Run(t *testing.T, ctx context.Context, store registryvector.VectorStore) {
	t.Helper()
	embedder := &localembed.LocalEmbedder{}

	chatA, chatB := uuid.New(), uuid.New()
	docs := []doc{
		{chatA, "alice", model.RoleUser, "my dog is called Rex"},
		{chatA, "alice", model.RoleAssistant, "Rex is a lovely name for a dog"},
		{chatA, "alice", model.RoleUser, "the weather in Lisbon is sunny today"},
		{chatB, "alice", model.RoleUser, "my dog loves the beach"},
		{uuid.New(), "bob", model.RoleUser, "my dog is called Fido"},
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.text
	}
	vecs, err := embedder.EmbedTexts(ctx, texts)
	require.NoError(t, err)

	ids := make([]uuid.UUID, len(docs))
	reqs := make([]registryvector.UpsertRequest, len(docs))
	for i, d := range docs {
		ids[i] = uuid.New()
		reqs[i] = registryvector.UpsertRequest{
			MessageID: ids[i],
			ChatID:    d.chat,
			UserID:    d.user,
			Role:      d.role,
			Embedding: vecs[i],
			ModelName: embedder.ModelName(),
		}
	}
	require.NoError(t, store.Upsert(ctx, reqs))
	// Upserting again replaces rather than duplicates.
	require.NoError(t, store.Upsert(ctx, reqs[:1]))
	require.NoError(t, store.Ping(ctx))

	query, err := embedder.EmbedTexts(ctx, []string{"what is my dog called"})
	require.NoError(t, err)

	t.Run("ChatFilter", func(t *testing.T) {
		results, err := store.Search(ctx, query[0], registryvector.Filter{ChatID: &chatA}, 5)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, ids[0], results[0].MessageID)
		assert.Equal(t, chatA, results[0].ChatID)
		assert.Equal(t, model.RoleUser, results[0].Role)
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		}
	})

	t.Run("UserFilter", func(t *testing.T) {
		results, err := store.Search(ctx, query[0], registryvector.Filter{UserID: "alice"}, 10)
		require.NoError(t, err)
		require.Len(t, results, 4)
		for _, r := range results {
			assert.NotEqual(t, ids[4], r.MessageID)
		}
	})

	t.Run("Limit", func(t *testing.T) {
		results, err := store.Search(ctx, query[0], registryvector.Filter{UserID: "alice"}, 2)
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("DeleteByChatID", func(t *testing.T) {
		require.NoError(t, store.DeleteByChatID(ctx, chatA))
		results, err := store.Search(ctx, query[0], registryvector.Filter{ChatID: &chatA}, 5)
		require.NoError(t, err)
		assert.Empty(t, results)

		results, err = store.Search(ctx, query[0], registryvector.Filter{ChatID: &chatB}, 5)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})
}
