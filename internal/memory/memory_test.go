package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	localembed "github.com/chirino/chat-service/internal/plugin/embed/local"
	_ "github.com/chirino/chat-service/internal/plugin/vector/chromem"
	registryvector "github.com/chirino/chat-service/internal/registry/vector"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVectors struct {
	mu       sync.Mutex
	err      error
	pingErr  error
	block    bool
	upserts  []registryvector.UpsertRequest
	results  []registryvector.SearchResult
	deleted  []uuid.UUID
	searches int
}

func (f *fakeVectors) Name() string { return "fake" }

func (f *fakeVectors) Ping(context.Context) error { return f.pingErr }

func (f *fakeVectors) wait(ctx context.Context) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *fakeVectors) Search(ctx context.Context, _ []float32, _ registryvector.Filter, _ int) ([]registryvector.SearchResult, error) {
	f.mu.Lock()
	f.searches++
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.results, nil
}

func (f *fakeVectors) Upsert(ctx context.Context, entries []registryvector.UpsertRequest) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, entries...)
	return nil
}

func (f *fakeVectors) DeleteByChatID(ctx context.Context, chatID uuid.UUID) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, chatID)
	return nil
}

type failingEmbedder struct{}

func (failingEmbedder) EmbedTexts(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedder down")
}
func (failingEmbedder) ModelName() string { return "failing" }
func (failingEmbedder) Dimension() int    { return 3 }

func TestDisabled_NoCalls(t *testing.T) {
	ix := Disabled()
	require.False(t, ix.Enabled())

	vec, ok := ix.Embed(context.Background(), "hello")
	assert.False(t, ok)
	assert.Nil(t, vec)
	assert.False(t, ix.Upsert(context.Background(), Record{MessageID: uuid.New()}))
	assert.Empty(t, ix.Query(context.Background(), []float32{1}, 5, Filter{}))
	ix.Forget(context.Background(), uuid.New())
}

func TestNilIndexIsDisabled(t *testing.T) {
	var ix *Index
	require.False(t, ix.Enabled())
	_, ok := ix.Embed(context.Background(), "hello")
	require.False(t, ok)
}

func TestUpsertAndQuery(t *testing.T) {
	vectors := &fakeVectors{}
	ix := New(&localembed.LocalEmbedder{}, vectors, Options{Timeout: time.Second, FailureThreshold: 3})
	require.True(t, ix.Enabled())

	vec, ok := ix.Embed(context.Background(), "hello")
	require.True(t, ok)
	require.Len(t, vec, 384)

	rec := Record{MessageID: uuid.New(), ChatID: uuid.New(), UserID: "alice", Role: model.RoleUser, Embedding: vec}
	require.True(t, ix.Upsert(context.Background(), rec))
	require.Len(t, vectors.upserts, 1)
	assert.Equal(t, "local-hash-384", vectors.upserts[0].ModelName)
	assert.Equal(t, rec.MessageID, vectors.upserts[0].MessageID)

	vectors.results = []registryvector.SearchResult{
		{MessageID: uuid.New(), Score: 0.9},
		{MessageID: uuid.New(), Score: 0.8},
	}
	assert.Len(t, ix.Query(context.Background(), vec, 1, Filter{ChatID: &rec.ChatID}), 1)

	ix.Forget(context.Background(), rec.ChatID)
	assert.Equal(t, []uuid.UUID{rec.ChatID}, vectors.deleted)
}

func TestFailuresAreSwallowed(t *testing.T) {
	vectors := &fakeVectors{err: errors.New("connection refused")}
	ix := New(&localembed.LocalEmbedder{}, vectors, Options{Timeout: time.Second})

	assert.False(t, ix.Upsert(context.Background(), Record{MessageID: uuid.New(), Embedding: []float32{1}}))
	assert.Empty(t, ix.Query(context.Background(), []float32{1}, 5, Filter{}))
	ix.Forget(context.Background(), uuid.New())
	assert.True(t, ix.Enabled(), "a zero threshold never disables")
}

func TestDisablesAfterConsecutiveFailures(t *testing.T) {
	vectors := &fakeVectors{err: errors.New("connection refused")}
	ix := New(&localembed.LocalEmbedder{}, vectors, Options{Timeout: time.Second, FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		ix.Query(context.Background(), []float32{1}, 5, Filter{})
	}
	require.True(t, ix.Enabled())
	ix.Query(context.Background(), []float32{1}, 5, Filter{})
	require.False(t, ix.Enabled())

	// Once off, the backend is no longer called.
	ix.Query(context.Background(), []float32{1}, 5, Filter{})
	assert.Equal(t, 3, vectors.searches)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	vectors := &fakeVectors{err: errors.New("flaky")}
	ix := New(&localembed.LocalEmbedder{}, vectors, Options{Timeout: time.Second, FailureThreshold: 2})

	ix.Query(context.Background(), []float32{1}, 5, Filter{})
	vectors.err = nil
	ix.Query(context.Background(), []float32{1}, 5, Filter{})
	vectors.err = errors.New("flaky")
	ix.Query(context.Background(), []float32{1}, 5, Filter{})
	assert.True(t, ix.Enabled())
}

func TestEmbedFailure(t *testing.T) {
	ix := New(failingEmbedder{}, &fakeVectors{}, Options{Timeout: time.Second, FailureThreshold: 1})
	_, ok := ix.Embed(context.Background(), "hello")
	assert.False(t, ok)
	assert.False(t, ix.Enabled())
}

func TestCallTimeout(t *testing.T) {
	vectors := &fakeVectors{block: true}
	ix := New(&localembed.LocalEmbedder{}, vectors, Options{Timeout: 20 * time.Millisecond, FailureThreshold: 5})

	start := time.Now()
	assert.Empty(t, ix.Query(context.Background(), []float32{1}, 5, Filter{}))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallerCancellationDoesNotCount(t *testing.T) {
	vectors := &fakeVectors{block: true}
	ix := New(&localembed.LocalEmbedder{}, vectors, Options{FailureThreshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ix.Query(ctx, []float32{1}, 5, Filter{})
	assert.True(t, ix.Enabled())
}

func TestOpen_PingFailure(t *testing.T) {
	_, err := Open(context.Background(), &localembed.LocalEmbedder{}, &fakeVectors{pingErr: errors.New("no route")}, Options{Timeout: time.Second})
	require.ErrorContains(t, err, "startup ping")
}

func TestDegradedError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&DegradedError{Op: "query", Err: cause})
	require.ErrorIs(t, err, cause)
	require.Equal(t, "memory degraded during query: boom", err.Error())
}

func TestLoad(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.VectorType = ""
	require.False(t, Load(config.WithContext(context.Background(), &cfg)).Enabled())

	cfg.VectorType = "chromem"
	cfg.EmbedType = "none"
	require.False(t, Load(config.WithContext(context.Background(), &cfg)).Enabled())

	cfg.EmbedType = "local"
	ix := Load(config.WithContext(context.Background(), &cfg))
	require.True(t, ix.Enabled())
	require.Equal(t, "local-hash-384", ix.ModelName())

	cfg.VectorType = "unknown"
	require.False(t, Load(config.WithContext(context.Background(), &cfg)).Enabled())
}
