package chromem

import (
	"context"
	"testing"

	"github.com/chirino/chat-service/internal/plugin/vector/vectortest"
	registryvector "github.com/chirino/chat-service/internal/registry/vector"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestChromemStore(t *testing.T) {
	store, err := New("")
	require.NoError(t, err)
	vectortest.Run(t, context.Background(), store)
}

func TestChromemStore_EmptySearch(t *testing.T) {
	store, err := New("")
	require.NoError(t, err)

	chatID := uuid.New()
	results, err := store.Search(context.Background(), []float32{1, 0, 0}, registryvector.Filter{ChatID: &chatID}, 5)
	require.NoError(t, err)
	require.Empty(t, results)
	require.NoError(t, store.DeleteByChatID(context.Background(), chatID))
}
