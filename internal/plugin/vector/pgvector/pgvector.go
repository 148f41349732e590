package pgvector

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registryvector "github.com/chirino/chat-service/internal/registry/vector"
	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed db/pgvector-schema.sql
var pgvectorSchemaSQL string

// pgvectorMigrator implements migrate.Migrator for the pgvector schema.
type pgvectorMigrator struct{}

func (m *pgvectorMigrator) Name() string { return "pgvector" }
func (m *pgvectorMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.VectorMigrateAtStart || cfg.VectorType != "pgvector" || cfg.DBURL == "" || (cfg.DatastoreType != "" && cfg.DatastoreType != "postgres") {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := openGormDB(cfg.DBURL, 1)
	if err != nil {
		return fmt.Errorf("pgvector migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return db.WithContext(ctx).Exec(pgvectorSchemaSQL).Error
}

func init() {
	registryvector.Register(registryvector.Plugin{
		Name:   "pgvector",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 200, Migrator: &pgvectorMigrator{}})
}

func load(ctx context.Context) (registryvector.VectorStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("pgvector: missing config in context")
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" {
		return nil, fmt.Errorf("pgvector: requires the postgres datastore, got %q", cfg.DatastoreType)
	}
	db, err := openGormDB(cfg.DBURL, cfg.DBMaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("pgvector: %w", err)
	}
	return &PgvectorStore{db: db}, nil
}

// openGormDB opens a second pool on the chat database. It is kept small so
// memory traffic cannot starve the chat store of connections.
func openGormDB(dsn string, maxOpen int) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpen < 1 {
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	return db, nil
}

// PgvectorStore implements VectorStore using the pgvector extension in the
// same database as the chat store.
type PgvectorStore struct {
	db *gorm.DB
}

func (s *PgvectorStore) Name() string { return "pgvector" }

func (s *PgvectorStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *PgvectorStore) Search(ctx context.Context, embedding []float32, filter registryvector.Filter, limit int) ([]registryvector.SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}

	vec := pgvec.NewVector(embedding)
	var where []string
	args := []interface{}{vec}
	if filter.ChatID != nil {
		where = append(where, "chat_id = ?")
		args = append(args, *filter.ChatID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, vec, limit)

	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT message_id, chat_id, role,
		       1 - (embedding <=> ?::vector) AS score
		FROM message_embeddings
		`+whereSQL+`
		ORDER BY embedding <=> ?::vector
		LIMIT ?`,
		args...,
	).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []registryvector.SearchResult
	for rows.Next() {
		var r registryvector.SearchResult
		if err := rows.Scan(&r.MessageID, &r.ChatID, &r.Role, &r.Score); err != nil {
			log.Error("pgvector scan error", "err", err)
			continue
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PgvectorStore) Upsert(ctx context.Context, entries []registryvector.UpsertRequest) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range entries {
			vec := pgvec.NewVector(e.Embedding)
			if err := tx.Exec(`
				INSERT INTO message_embeddings (message_id, chat_id, user_id, role, embedding, model)
				VALUES (?, ?, ?, ?, ?::vector, ?)
				ON CONFLICT (message_id)
				DO UPDATE SET embedding = EXCLUDED.embedding, model = EXCLUDED.model`,
				e.MessageID, e.ChatID, e.UserID, string(e.Role), vec, e.ModelName,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PgvectorStore) DeleteByChatID(ctx context.Context, chatID uuid.UUID) error {
	return s.db.WithContext(ctx).Exec(
		"DELETE FROM message_embeddings WHERE chat_id = ?",
		chatID,
	).Error
}
