// Package chromem registers an embedded, pure Go vector store. With no path
// configured the index lives only in process memory and is rebuilt by the
// background indexer after a restart.
package chromem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registryvector "github.com/chirino/chat-service/internal/registry/vector"
	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

const collectionName = "messages"

func init() {
	registryvector.Register(registryvector.Plugin{
		Name: "chromem",
		Loader: func(ctx context.Context) (registryvector.VectorStore, error) {
			cfg := config.FromContext(ctx)
			path := ""
			if cfg != nil {
				path = strings.TrimSpace(cfg.ChromemPath)
			}
			return New(path)
		},
	})
}

// New opens a store persisted under path, or an in-memory one when path is empty.
func New(path string) (*ChromemStore, error) {
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("chromem: open %s: %w", path, err)
		}
	}
	col, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: create collection: %w", err)
	}
	return &ChromemStore{col: col}, nil
}

// ChromemStore implements VectorStore on a single chromem collection.
type ChromemStore struct {
	col *chromem.Collection
	// chromem rejects queries asking for more results than stored documents,
	// so count checks and queries must not interleave with deletes.
	mu sync.RWMutex
}

func (s *ChromemStore) Name() string                 { return "chromem" }
func (s *ChromemStore) Ping(_ context.Context) error { return nil }

func (s *ChromemStore) Upsert(ctx context.Context, entries []registryvector.UpsertRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if isZero(e.Embedding) {
			// Nothing to compare against; cosine similarity is undefined.
			continue
		}
		doc := chromem.Document{
			ID:        e.MessageID.String(),
			Embedding: e.Embedding,
			Metadata: map[string]string{
				"chat_id": e.ChatID.String(),
				"user_id": e.UserID,
				"role":    string(e.Role),
				"model":   e.ModelName,
			},
		}
		if err := s.col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("chromem: add document: %w", err)
		}
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, embedding []float32, filter registryvector.Filter, limit int) ([]registryvector.SearchResult, error) {
	if limit <= 0 || isZero(embedding) {
		return nil, nil
	}
	where := map[string]string{}
	if filter.ChatID != nil {
		where["chat_id"] = filter.ChatID.String()
	}
	if filter.UserID != "" {
		where["user_id"] = filter.UserID
	}
	if len(where) == 0 {
		where = nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := limit
	if count := s.col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	// The where filter may match fewer documents than n; retry with a smaller n.
	var results []chromem.Result
	for ; n >= 1; n-- {
		var err error
		results, err = s.col.QueryEmbedding(ctx, embedding, n, where, nil)
		if err == nil {
			break
		}
		if !isInsufficientDocsError(err) {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
		if n == 1 {
			return nil, nil
		}
	}

	out := make([]registryvector.SearchResult, 0, len(results))
	for _, r := range results {
		messageID, err := uuid.Parse(r.ID)
		if err != nil {
			log.Warn("chromem: skipping document with invalid id", "id", r.ID)
			continue
		}
		sr := registryvector.SearchResult{
			MessageID: messageID,
			Role:      model.Role(r.Metadata["role"]),
			Score:     float64(r.Similarity),
		}
		if chatID, err := uuid.Parse(r.Metadata["chat_id"]); err == nil {
			sr.ChatID = chatID
		}
		out = append(out, sr)
	}
	return out, nil
}

func (s *ChromemStore) DeleteByChatID(ctx context.Context, chatID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.col.Count() == 0 {
		return nil
	}
	return s.col.Delete(ctx, map[string]string{"chat_id": chatID.String()}, nil)
}

func isInsufficientDocsError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

var _ registryvector.VectorStore = (*ChromemStore)(nil)
