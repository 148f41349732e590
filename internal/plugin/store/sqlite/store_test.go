package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/cache/local"
	"github.com/chirino/chat-service/internal/plugin/store/sqlite"
	"github.com/chirino/chat-service/internal/plugin/store/storetest"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (registrystore.ChatStore, context.Context) {
	t.Helper()
	return setupTestStoreWithContext(t, context.Background())
}

func setupTestStoreWithContext(t *testing.T, parent context.Context) (registrystore.ChatStore, context.Context) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(t.TempDir(), "chat.db")
	ctx := config.WithContext(parent, &cfg)

	// Ensure sqlite store plugin is registered
	_ = sqlite.ForceImport

	err := registrymigrate.RunAll(ctx)
	require.NoError(t, err)

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)

	store, err := loader(ctx)
	require.NoError(t, err)

	return store, ctx
}

func TestSQLiteChatStore(t *testing.T) {
	storetest.Run(t, setupTestStore)
}

func TestSQLiteChatStoreWithLocalCache(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (registrystore.ChatStore, context.Context) {
		c, err := local.New(100, time.Minute)
		require.NoError(t, err)
		t.Cleanup(c.Close)
		return setupTestStoreWithContext(t, registrycache.WithRecentCache(context.Background(), c))
	})
}
