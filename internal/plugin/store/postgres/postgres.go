// Package postgres registers the production ChatStore. Schema changes run
// from an embedded SQL file under a transaction-scoped advisory lock, so
// replicas starting together apply it once.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/store/gormstore"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed db/schema.sql
var schemaSQL string

// migrationLockID is an arbitrary constant shared by every replica.
const migrationLockID int64 = 0x636861742d737663

const uniqueViolation = "23505"

// ForceImport can be referenced to make sure this package's init() runs.
var ForceImport = 0

func init() {
	registrystore.Register(registrystore.Plugin{Name: "postgres", Loader: load})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: schemaMigrator{}})
}

func open(dsn string) (*gorm.DB, *sql.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	return db, sqlDB, nil
}

func load(ctx context.Context) (registrystore.ChatStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("postgres: missing config in context")
	}
	db, sqlDB, err := open(cfg.DBURL)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	if security.DBPoolMaxConnections != nil {
		security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
	}
	go reportPool(ctx, sqlDB, 15*time.Second)

	return gormstore.New(db, cfg, registrycache.RecentCacheFromContext(ctx), gormstore.Options{
		LockRows: true,
		IsUniqueViolation: func(err error) bool {
			var pgErr *pgconn.PgError
			return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
		},
	}), nil
}

// reportPool samples open connections until ctx ends.
func reportPool(ctx context.Context, sqlDB *sql.DB, every time.Duration) {
	if security.DBPoolOpenConnections == nil {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
		}
	}
}

type schemaMigrator struct{}

func (schemaMigrator) Name() string { return "postgres-schema" }

func (m schemaMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" {
		return nil
	}
	_, sqlDB, err := open(cfg.DBURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres schema: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	started := time.Now()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("postgres schema: lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres schema: apply: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres schema: commit: %w", err)
	}
	log.Info("Postgres schema ready", "took", time.Since(started))
	return nil
}
