package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Qdrant sizes its collection from the configured embedder.
	_ "github.com/chirino/chat-service/internal/plugin/embed/local"
	_ "github.com/chirino/chat-service/internal/plugin/embed/openai"
	_ "github.com/chirino/chat-service/internal/plugin/store/postgres"
	_ "github.com/chirino/chat-service/internal/plugin/store/sqlite"
	_ "github.com/chirino/chat-service/internal/plugin/vector/pgvector"
	_ "github.com/chirino/chat-service/internal/plugin/vector/qdrant"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database and vector store migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("CHAT_SERVICE_DB_URL"),
				Usage:    "Database connection URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("CHAT_SERVICE_DB_KIND"),
				Usage:   "Store backend (postgres|sqlite)",
				Value:   "postgres",
			},
			&cli.StringFlag{
				Name:    "vector-kind",
				Sources: cli.EnvVars("CHAT_SERVICE_VECTOR_KIND"),
				Usage:   "Vector store whose schema to prepare (pgvector|qdrant)",
			},
			&cli.StringFlag{
				Name:    "vector-qdrant-host",
				Sources: cli.EnvVars("CHAT_SERVICE_VECTOR_QDRANT_HOST"),
				Usage:   "Qdrant host:port",
				Value:   "localhost:6334",
			},
			&cli.StringFlag{
				Name:    "embedding-kind",
				Sources: cli.EnvVars("CHAT_SERVICE_EMBEDDING_KIND"),
				Usage:   "Embedding provider; selects the vector dimension",
				Value:   "local",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			cfg.VectorType = cmd.String("vector-kind")
			cfg.QdrantHost = cmd.String("vector-qdrant-host")
			cfg.EmbedType = cmd.String("embedding-kind")
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...")
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
