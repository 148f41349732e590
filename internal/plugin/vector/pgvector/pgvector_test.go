package pgvector

import (
	"context"
	"testing"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/vector/vectortest"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	"github.com/chirino/chat-service/internal/testutil/testpg"
	"github.com/stretchr/testify/require"
)

func TestPgvectorStore(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	cfg := config.DefaultConfig()
	cfg.VectorType = "pgvector"
	cfg.DBURL = testpg.StartPostgres(t)
	ctx := config.WithContext(context.Background(), &cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))
	store, err := load(ctx)
	require.NoError(t, err)

	vectortest.Run(t, ctx, store)
}
