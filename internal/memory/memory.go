// Package memory wraps the optional embedder and vector store behind a
// capability that never fails its callers. Every error is logged as
// degraded memory and turned into an empty result.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registryembed "github.com/chirino/chat-service/internal/registry/embed"
	registryvector "github.com/chirino/chat-service/internal/registry/vector"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
)

// Filter scopes a query to a chat or to all chats of a user.
type Filter = registryvector.Filter

// Match is one recalled message reference.
type Match = registryvector.SearchResult

// Record is the memory entry for one message.
type Record struct {
	MessageID uuid.UUID
	ChatID    uuid.UUID
	UserID    string
	Role      model.Role
	Embedding []float32
}

// DegradedError describes a memory call that failed and was swallowed.
type DegradedError struct {
	Op  string
	Err error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("memory degraded during %s: %v", e.Op, e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

// Options tunes an Index.
type Options struct {
	// Timeout bounds each call to the embedder or vector store.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures after which the
	// index turns itself off. Zero never turns it off.
	FailureThreshold int
}

// Index is safe for concurrent use.
type Index struct {
	embedder registryembed.Embedder
	vectors  registryvector.VectorStore
	opts     Options

	enabled  atomic.Bool
	failures atomic.Int64
	offOnce  sync.Once
}

// Disabled returns an index on which every call is a no-op.
func Disabled() *Index {
	ix := &Index{}
	setEnabledGauge(false)
	return ix
}

// New returns an index over embedder and vectors. It is enabled only when
// both are present.
func New(embedder registryembed.Embedder, vectors registryvector.VectorStore, opts Options) *Index {
	ix := &Index{embedder: embedder, vectors: vectors, opts: opts}
	ix.enabled.Store(embedder != nil && vectors != nil)
	setEnabledGauge(ix.enabled.Load())
	return ix
}

// Load builds the index from the config in ctx. Any missing backend, loader
// error or failed startup ping yields a disabled index; the reason is logged.
func Load(ctx context.Context) *Index {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return Disabled()
	}
	vectorKind := strings.ToLower(strings.TrimSpace(cfg.VectorType))
	embedKind := strings.ToLower(strings.TrimSpace(cfg.EmbedType))
	if vectorKind == "" || vectorKind == "none" {
		log.Info("Memory index disabled", "reason", "no vector store configured")
		return Disabled()
	}
	if !registryembed.Enabled(embedKind) {
		log.Info("Memory index disabled", "reason", "no embedder configured")
		return Disabled()
	}

	embedLoader, err := registryembed.Select(embedKind)
	if err != nil {
		log.Warn("Memory index disabled", "reason", err)
		return Disabled()
	}
	embedder, err := embedLoader(ctx)
	if err != nil {
		log.Warn("Memory index disabled", "embedder", embedKind, "reason", err)
		return Disabled()
	}
	vectorLoader, err := registryvector.Select(vectorKind)
	if err != nil {
		log.Warn("Memory index disabled", "reason", err)
		return Disabled()
	}
	vectors, err := vectorLoader(ctx)
	if err != nil {
		log.Warn("Memory index disabled", "vector", vectorKind, "reason", err)
		return Disabled()
	}

	opts := Options{Timeout: cfg.MemoryTimeout, FailureThreshold: cfg.MemoryFailureThreshold}
	ix, err := Open(ctx, embedder, vectors, opts)
	if err != nil {
		log.Warn("Memory index disabled", "vector", vectorKind, "reason", err)
		return Disabled()
	}
	log.Info("Memory index enabled", "vector", vectors.Name(), "embedder", ix.ModelName())
	return ix
}

// Open pings the vector store and returns an enabled index when it answers.
func Open(ctx context.Context, embedder registryembed.Embedder, vectors registryvector.VectorStore, opts Options) (*Index, error) {
	if embedder == nil || vectors == nil {
		return nil, errors.New("embedder and vector store are required")
	}
	pingCtx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := vectors.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("startup ping: %w", err)
	}
	return New(embedder, vectors, opts), nil
}

// Enabled reports whether calls reach the backends.
func (ix *Index) Enabled() bool {
	return ix != nil && ix.enabled.Load()
}

// ModelName is the embedding model recorded with every memory record.
func (ix *Index) ModelName() string {
	if ix == nil || ix.embedder == nil {
		return ""
	}
	return ix.embedder.ModelName()
}

// Embed returns the embedding of text, or false when memory is unavailable.
func (ix *Index) Embed(ctx context.Context, text string) ([]float32, bool) {
	vecs, ok := ix.EmbedBatch(ctx, []string{text})
	if !ok {
		return nil, false
	}
	return vecs[0], true
}

// EmbedBatch embeds texts in one call.
func (ix *Index) EmbedBatch(ctx context.Context, texts []string) ([][]float32, bool) {
	if !ix.Enabled() || len(texts) == 0 {
		return nil, false
	}
	callCtx, cancel := withTimeout(ctx, ix.opts.Timeout)
	defer cancel()
	vecs, err := ix.embedder.EmbedTexts(callCtx, texts)
	if err == nil && len(vecs) != len(texts) {
		err = fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vecs))
	}
	if err != nil {
		ix.fail(ctx, "embed", err)
		return nil, false
	}
	ix.succeed()
	return vecs, true
}

// Upsert stores records and reports whether they were written.
func (ix *Index) Upsert(ctx context.Context, records ...Record) bool {
	if !ix.Enabled() || len(records) == 0 {
		return false
	}
	modelName := ix.ModelName()
	reqs := make([]registryvector.UpsertRequest, len(records))
	for i, r := range records {
		reqs[i] = registryvector.UpsertRequest{
			MessageID: r.MessageID,
			ChatID:    r.ChatID,
			UserID:    r.UserID,
			Role:      r.Role,
			Embedding: r.Embedding,
			ModelName: modelName,
		}
	}
	callCtx, cancel := withTimeout(ctx, ix.opts.Timeout)
	defer cancel()
	if err := ix.vectors.Upsert(callCtx, reqs); err != nil {
		ix.fail(ctx, "upsert", err)
		return false
	}
	ix.succeed()
	return true
}

// Query returns up to k matches ordered by descending score. It is empty
// when memory is unavailable.
func (ix *Index) Query(ctx context.Context, vector []float32, k int, filter Filter) []Match {
	if !ix.Enabled() || k <= 0 || len(vector) == 0 {
		return nil
	}
	callCtx, cancel := withTimeout(ctx, ix.opts.Timeout)
	defer cancel()
	matches, err := ix.vectors.Search(callCtx, vector, filter, k)
	if err != nil {
		ix.fail(ctx, "query", err)
		return nil
	}
	ix.succeed()
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Forget removes all memory records of a chat.
func (ix *Index) Forget(ctx context.Context, chatID uuid.UUID) {
	if !ix.Enabled() {
		return
	}
	callCtx, cancel := withTimeout(ctx, ix.opts.Timeout)
	defer cancel()
	if err := ix.vectors.DeleteByChatID(callCtx, chatID); err != nil {
		ix.fail(ctx, "forget", err)
		return
	}
	ix.succeed()
}

func (ix *Index) succeed() {
	ix.failures.Store(0)
}

func (ix *Index) fail(parent context.Context, op string, err error) {
	degraded := &DegradedError{Op: op, Err: err}
	log.Warn("Memory degraded", "op", op, "err", degraded)
	if security.MemoryFailuresTotal != nil {
		security.MemoryFailuresTotal.WithLabelValues(op).Inc()
	}
	// The caller giving up is not a backend failure.
	if parent.Err() != nil {
		return
	}
	n := ix.failures.Add(1)
	if ix.opts.FailureThreshold > 0 && n >= int64(ix.opts.FailureThreshold) {
		ix.offOnce.Do(func() {
			ix.enabled.Store(false)
			setEnabledGauge(false)
			log.Error("Memory index disabled after repeated failures", "failures", n, "lastErr", err)
		})
	}
}

func setEnabledGauge(on bool) {
	if security.MemoryEnabled == nil {
		return
	}
	if on {
		security.MemoryEnabled.Set(1)
	} else {
		security.MemoryEnabled.Set(0)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
