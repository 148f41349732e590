package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	registryembed "github.com/chirino/chat-service/internal/registry/embed"
	registrygenerate "github.com/chirino/chat-service/internal/registry/generate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	registryvector "github.com/chirino/chat-service/internal/registry/vector"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/chat-service/internal/plugin/cache/local"
	_ "github.com/chirino/chat-service/internal/plugin/cache/noop"
	_ "github.com/chirino/chat-service/internal/plugin/cache/redis"
	_ "github.com/chirino/chat-service/internal/plugin/embed/local"
	_ "github.com/chirino/chat-service/internal/plugin/embed/openai"
	_ "github.com/chirino/chat-service/internal/plugin/generate/claude"
	_ "github.com/chirino/chat-service/internal/plugin/generate/echo"
	_ "github.com/chirino/chat-service/internal/plugin/generate/openai"
	_ "github.com/chirino/chat-service/internal/plugin/route/account"
	_ "github.com/chirino/chat-service/internal/plugin/route/chats"
	_ "github.com/chirino/chat-service/internal/plugin/route/system"
	_ "github.com/chirino/chat-service/internal/plugin/store/postgres"
	_ "github.com/chirino/chat-service/internal/plugin/store/sqlite"
	_ "github.com/chirino/chat-service/internal/plugin/vector/chromem"
	_ "github.com/chirino/chat-service/internal/plugin/vector/pgvector"
	_ "github.com/chirino/chat-service/internal/plugin/vector/qdrant"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the chat service HTTP, websocket and gRPC health servers",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "mode",
			Sources:     cli.EnvVars("CHAT_SERVICE_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode (prod|testing); testing accepts plain user IDs as bearer tokens",
		},

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file for single-port TLS mode",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file for single-port TLS mode",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.BoolFlag{
			Name:        "cors",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS headers; the allowed origins also gate websocket upgrades",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed origins (default any)",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c + gRPC",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2 + gRPC",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL (a file path for sqlite)",
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_SERVICE_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Recent-messages cache (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-hosts",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_SERVICE_REDIS_HOSTS"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},

		// ── Vector Store ──────────────────────────────────────────
		&cli.StringFlag{
			Name:        "vector-kind",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("CHAT_SERVICE_VECTOR_KIND"),
			Destination: &cfg.VectorType,
			Value:       cfg.VectorType,
			Usage:       "Memory index backend (" + strings.Join(registryvector.Names(), "|") + "); empty disables memory",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-host",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("CHAT_SERVICE_VECTOR_QDRANT_HOST"),
			Destination: &cfg.QdrantHost,
			Value:       cfg.QdrantAddress(),
			Usage:       "Qdrant host or host:port",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-api-key",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("CHAT_SERVICE_VECTOR_QDRANT_API_KEY"),
			Destination: &cfg.QdrantAPIKey,
			Usage:       "Qdrant API key",
		},
		&cli.IntFlag{
			Name:        "vector-indexer-batch-size",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("CHAT_SERVICE_VECTOR_INDEXER_BATCH_SIZE"),
			Destination: &cfg.IndexerBatchSize,
			Value:       cfg.IndexerBatchSize,
			Usage:       "Number of messages to embed and index per background indexer tick",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CHAT_SERVICE_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(append(registryembed.Names(), "none"), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "embedding-openai-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CHAT_SERVICE_EMBEDDING_OPENAI_API_KEY", "CHAT_SERVICE_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key",
		},

		// ── Generation ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "generation-kind",
			Category:    "Generation:",
			Sources:     cli.EnvVars("CHAT_SERVICE_GENERATION_KIND"),
			Destination: &cfg.GenerationKind,
			Value:       cfg.GenerationKind,
			Usage:       "Reply generator (" + strings.Join(registrygenerate.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "generation-base-url",
			Category:    "Generation:",
			Sources:     cli.EnvVars("CHAT_SERVICE_GENERATION_BASE_URL"),
			Destination: &cfg.GenerationBaseURL,
			Usage:       "Base URL of the generation API (provider default when empty)",
		},
		&cli.StringFlag{
			Name:        "generation-api-key",
			Category:    "Generation:",
			Sources:     cli.EnvVars("CHAT_SERVICE_GENERATION_API_KEY", "ANTHROPIC_API_KEY"),
			Destination: &cfg.GenerationAPIKey,
			Usage:       "API key for the generation backend",
		},
		&cli.StringFlag{
			Name:        "generation-model",
			Category:    "Generation:",
			Sources:     cli.EnvVars("CHAT_SERVICE_GENERATION_MODEL"),
			Destination: &cfg.GenerationModel,
			Value:       cfg.GenerationModel,
			Usage:       "Model name passed to the generation backend",
		},
		&cli.IntFlag{
			Name:        "generation-max-tokens",
			Category:    "Generation:",
			Sources:     cli.EnvVars("CHAT_SERVICE_GENERATION_MAX_TOKENS"),
			Destination: &cfg.GenerationMaxTokens,
			Value:       cfg.GenerationMaxTokens,
			Usage:       "Maximum tokens in a generated reply",
		},

		// ── Response Pipeline ─────────────────────────────────────
		&cli.IntFlag{
			Name:        "recency-window",
			Category:    "Response Pipeline:",
			Sources:     cli.EnvVars("CHAT_SERVICE_RECENCY_WINDOW"),
			Destination: &cfg.RecencyWindow,
			Value:       cfg.RecencyWindow,
			Usage:       "Number of most recent messages sent to the generator",
		},
		&cli.IntFlag{
			Name:        "memory-top-k",
			Category:    "Response Pipeline:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MEMORY_TOP_K"),
			Destination: &cfg.MemoryTopK,
			Value:       cfg.MemoryTopK,
			Usage:       "Number of memory matches recalled per turn",
		},
		&cli.StringFlag{
			Name:        "memory-scope",
			Category:    "Response Pipeline:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MEMORY_SCOPE"),
			Destination: &cfg.MemoryScope,
			Value:       cfg.MemoryScope,
			Usage:       "Memory recall scope (chat|user)",
		},
		&cli.DurationFlag{
			Name:        "verify-timeout",
			Category:    "Response Pipeline:",
			Sources:     cli.EnvVars("CHAT_SERVICE_VERIFY_TIMEOUT"),
			Destination: &cfg.VerifyTimeout,
			Value:       cfg.VerifyTimeout,
			Usage:       "Timeout for credential verification",
		},
		&cli.DurationFlag{
			Name:        "store-timeout",
			Category:    "Response Pipeline:",
			Sources:     cli.EnvVars("CHAT_SERVICE_STORE_TIMEOUT"),
			Destination: &cfg.StoreTimeout,
			Value:       cfg.StoreTimeout,
			Usage:       "Timeout for each conversation store call",
		},
		&cli.DurationFlag{
			Name:        "memory-timeout",
			Category:    "Response Pipeline:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MEMORY_TIMEOUT"),
			Destination: &cfg.MemoryTimeout,
			Value:       cfg.MemoryTimeout,
			Usage:       "Timeout for each memory index call",
		},
		&cli.DurationFlag{
			Name:        "generation-timeout",
			Category:    "Response Pipeline:",
			Sources:     cli.EnvVars("CHAT_SERVICE_GENERATION_TIMEOUT"),
			Destination: &cfg.GenerationTimeout,
			Value:       cfg.GenerationTimeout,
			Usage:       "Timeout for reply generation",
		},
		&cli.DurationFlag{
			Name:        "pipeline-timeout",
			Category:    "Response Pipeline:",
			Sources:     cli.EnvVars("CHAT_SERVICE_PIPELINE_TIMEOUT"),
			Destination: &cfg.PipelineTimeout,
			Value:       cfg.PipelineTimeout,
			Usage:       "Overall bound for one message turn, counted once earlier messages of the same chat are done",
		},
		&cli.DurationFlag{
			Name:        "queue-timeout",
			Category:    "Response Pipeline:",
			Sources:     cli.EnvVars("CHAT_SERVICE_QUEUE_TIMEOUT"),
			Destination: &cfg.QueueTimeout,
			Value:       cfg.QueueTimeout,
			Usage:       "How long a message waits behind earlier messages of the same chat (0 waits indefinitely)",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "jwt-secret",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_JWT_SECRET"),
			Destination: &cfg.JWTSecret,
			Usage:       "HMAC secret for session tokens issued by /v1/auth",
		},
		&cli.BoolFlag{
			Name:        "cookie-secure",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_COOKIE_SECURE"),
			Destination: &cfg.CookieSecure,
			Usage:       "Mark the session cookie Secure",
		},
		&cli.BoolFlag{
			Name:        "allow-register",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_ALLOW_REGISTER"),
			Destination: &cfg.AllowRegister,
			Value:       cfg.AllowRegister,
			Usage:       "Allow self-service account registration",
		},
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL (enables OIDC auth)",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "OIDC discovery URL (internal URL when issuer is not directly reachable)",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("CHAT_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=chat-service",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isUpgradeRequest(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

// isUpgradeRequest reports websocket handshakes, whose frames are bounded by
// the socket read limit instead.
func isUpgradeRequest(req *http.Request) bool {
	if req == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(req.Header.Get("Upgrade")), "websocket")
}
