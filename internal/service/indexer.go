package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/memory"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
)

// BackgroundIndexer polls for messages without a memory record, embeds them,
// and stores them in the memory index. It covers assistant replies and any
// user message whose inline indexing failed.
type BackgroundIndexer struct {
	store    registrystore.ChatStore
	memory   *memory.Index
	interval time.Duration
	batch    int
}

// NewBackgroundIndexer creates a new indexer.
func NewBackgroundIndexer(store registrystore.ChatStore, mem *memory.Index, interval time.Duration, batchSize int) *BackgroundIndexer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BackgroundIndexer{
		store:    store,
		memory:   mem,
		interval: interval,
		batch:    batchSize,
	}
}

// Start begins the background indexing loop. Returns when ctx is cancelled.
func (b *BackgroundIndexer) Start(ctx context.Context) {
	if !b.memory.Enabled() {
		log.Info("Background indexer disabled (memory index is off)")
		return
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !b.memory.Enabled() {
				log.Info("Background indexer stopping (memory index turned off)")
				return
			}
			b.IndexBatch(ctx)
		}
	}
}

// IndexBatch indexes one batch of pending messages and returns how many were
// marked indexed.
func (b *BackgroundIndexer) IndexBatch(ctx context.Context) int {
	msgs, err := b.store.FindMessagesPendingIndexing(ctx, b.batch)
	if err != nil {
		log.Error("Indexer: list pending messages failed", "err", err)
		return 0
	}
	if len(msgs) == 0 {
		return 0
	}

	// Batch embed all texts in one request.
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Content
	}
	embeddings, ok := b.memory.EmbedBatch(ctx, texts)
	if !ok {
		return 0
	}

	records := make([]memory.Record, len(msgs))
	ids := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		records[i] = memory.Record{
			MessageID: m.ID,
			ChatID:    m.ChatID,
			UserID:    m.UserID,
			Role:      m.Role,
			Embedding: embeddings[i],
		}
		ids[i] = m.ID
	}
	if !b.memory.Upsert(ctx, records...) {
		return 0
	}

	if err := b.store.SetIndexedAt(ctx, ids); err != nil {
		log.Error("Indexer: set indexed_at failed", "count", len(ids), "err", err)
		return 0
	}
	log.Info("Indexer: indexed messages", "count", len(ids))
	return len(ids)
}
