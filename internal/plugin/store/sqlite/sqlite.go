// Package sqlite registers a single-file ChatStore for local development and tests.
package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/plugin/store/gormstore"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			cfg := config.FromContext(ctx)
			db, err := open(cfg.DBURL)
			if err != nil {
				return nil, err
			}
			if cfg.DatastoreMigrateAtStart {
				if err := autoMigrate(db); err != nil {
					return nil, err
				}
			}
			return gormstore.New(db, cfg, registrycache.RecentCacheFromContext(ctx), gormstore.Options{
				IsUniqueViolation: isUniqueViolation,
			}), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqliteMigrator{}})
}

// open connects with foreign keys enforced and a single connection, which
// serializes writers the same way row locks do on postgres.
func open(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite datastore requires --db-url (a file path)")
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func autoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.User{}, &model.Chat{}, &model.Message{}); err != nil {
		return fmt.Errorf("migration: sqlite auto-migrate failed: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-schema" }
func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart || cfg.DatastoreType != "sqlite" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := open(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := autoMigrate(db.WithContext(ctx)); err != nil {
		return err
	}
	log.Info("SQLite schema migration complete")
	return nil
}
