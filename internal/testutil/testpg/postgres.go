package testpg

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/store/postgres"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartPostgres starts a disposable Postgres container with the pgvector
// extension available and returns its DSN. Skipped under -short.
func StartPostgres(tb testing.TB) string {
	tb.Helper()
	if testing.Short() {
		tb.Skip("requires docker")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(
		ctx,
		"pgvector/pgvector:pg17",
		tcpostgres.WithDatabase("chat"),
		tcpostgres.WithUsername("chat"),
		tcpostgres.WithPassword("chat"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2),
			).WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		tb.Fatalf("start postgres container: %v", err)
	}
	tb.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			tb.Errorf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil || dsn == "" {
		tb.Fatalf("build postgres connection string: %v", err)
	}
	if err := waitForReady(ctx, dsn); err != nil {
		tb.Fatalf("postgres is not ready for connections: %v", err)
	}
	return dsn
}

// NewStore starts Postgres, migrates the chat schema and returns a store over
// it, along with a context carrying its config.
func NewStore(tb testing.TB) (registrystore.ChatStore, context.Context) {
	tb.Helper()
	dsn := StartPostgres(tb)

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.DatastoreType = "postgres"
	cfg.DBURL = dsn
	ctx := config.WithContext(context.Background(), &cfg)

	_ = postgres.ForceImport

	if err := registrymigrate.RunAll(ctx); err != nil {
		tb.Fatalf("migrate postgres: %v", err)
	}
	loader, err := registrystore.Select("postgres")
	if err != nil {
		tb.Fatalf("select postgres store: %v", err)
	}
	store, err := loader(ctx)
	if err != nil {
		tb.Fatalf("open postgres store: %v", err)
	}
	return store, ctx
}

func waitForReady(ctx context.Context, dsn string) error {
	deadline := time.Now().Add(20 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		conn, err := pgx.Connect(attemptCtx, dsn)
		if err == nil {
			lastErr = conn.Ping(attemptCtx)
			_ = conn.Close(attemptCtx)
		} else {
			lastErr = err
		}
		cancel()
		if lastErr == nil {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = context.DeadlineExceeded
	}
	return lastErr
}
