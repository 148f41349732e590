package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

const (
	MemoryScopeChat = "chat"
	MemoryScopeUser = "user"
)

// Config holds all configuration for the chat service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode a bearer token that is not a JWT is taken as the user ID.
	Mode string

	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type
	DatastoreType string // "postgres" or "sqlite"

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Cache backend type for the recent-messages cache.
	CacheType string // "redis", "local", or "none"

	// Redis
	RedisURL string

	// How long a cached recency window stays valid.
	CacheTTL time.Duration

	// Maximum number of chats held by the local cache.
	CacheLocalMaxChats int64

	// Vector store type
	VectorType string // "pgvector", "qdrant", "chromem", or "" (memory disabled)

	// Run vector migrations on startup.
	VectorMigrateAtStart bool

	// Qdrant
	QdrantHost             string
	QdrantPort             int
	QdrantCollectionPrefix string
	QdrantCollectionName   string
	QdrantAPIKey           string
	QdrantUseTLS           bool
	QdrantStartupTimeout   time.Duration

	// Chromem persistence directory. Empty keeps the index in memory only.
	ChromemPath string

	// Embedding type
	EmbedType string // "none", "local", or "openai"

	// OpenAI (embeddings, and generation when GenerationKind is "openai")
	OpenAIAPIKey     string
	OpenAIModelName  string
	OpenAIBaseURL    string
	OpenAIDimensions int

	// Generation backend
	GenerationKind      string // "anthropic", "openai", or "echo"
	GenerationBaseURL   string
	GenerationAPIKey    string
	GenerationModel     string
	GenerationMaxTokens int
	SystemPrompt        string

	// Response pipeline
	RecencyWindow          int
	MemoryTopK             int
	MemoryScope            string
	MemoryFailureThreshold int
	AssistantWriteAttempts int

	// Per-call timeouts. Each external call is bounded independently and the
	// whole pipeline invocation is bounded by PipelineTimeout, counted from
	// the moment the turn reaches the front of its chat's queue.
	VerifyTimeout     time.Duration
	StoreTimeout      time.Duration
	MemoryTimeout     time.Duration
	GenerationTimeout time.Duration
	PipelineTimeout   time.Duration
	// QueueTimeout bounds how long a turn waits behind earlier turns of the
	// same chat. Zero waits indefinitely.
	QueueTimeout time.Duration

	// Background indexer for messages that have no memory record yet.
	IndexerInterval  time.Duration
	IndexerBatchSize int

	// Websocket channel
	SocketSendQueueSize int
	SocketPingPeriod    time.Duration
	SocketMaxMessageLen int64
	// SocketMaxInFlight caps concurrently running turns per connection.
	SocketMaxInFlight int

	// Sessions issued by /v1/auth/register and /v1/auth/login.
	JWTSecret     string
	SessionTTL    time.Duration
	CookieSecure  bool
	CookieDomain  string
	PasswordCost  int
	AllowRegister bool

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // Internal URL for OIDC discovery (when issuer URL is not reachable)

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=chat-service".
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or CHAT_SERVICE_MANAGEMENT_PORT)
	// was explicitly provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management endpoints (/health, /ready, /metrics).
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		CacheType:               "none",
		CacheTTL:                10 * time.Minute,
		CacheLocalMaxChats:      10000,
		VectorType:              "",
		VectorMigrateAtStart:    true,
		QdrantHost:              "localhost",
		QdrantPort:              6334,
		QdrantCollectionPrefix:  "chat-service",
		QdrantStartupTimeout:    30 * time.Second,
		EmbedType:               "local",
		OpenAIModelName:         "text-embedding-3-small",
		OpenAIBaseURL:           "https://api.openai.com/v1",
		GenerationKind:          "echo",
		GenerationModel:         "claude-sonnet-4-5",
		GenerationMaxTokens:     1024,
		SystemPrompt:            "You are a helpful assistant. Use the earlier conversation excerpts when they are relevant.",
		RecencyWindow:           20,
		MemoryTopK:              5,
		MemoryScope:             MemoryScopeChat,
		MemoryFailureThreshold:  5,
		AssistantWriteAttempts:  3,
		VerifyTimeout:           5 * time.Second,
		StoreTimeout:            5 * time.Second,
		MemoryTimeout:           3 * time.Second,
		GenerationTimeout:       30 * time.Second,
		PipelineTimeout:         45 * time.Second,
		QueueTimeout:            2 * time.Minute,
		IndexerInterval:         30 * time.Second,
		IndexerBatchSize:        100,
		SocketSendQueueSize:     64,
		SocketPingPeriod:        50 * time.Second,
		SocketMaxMessageLen:     64 * 1024,
		SocketMaxInFlight:       16,
		SessionTTL:              7 * 24 * time.Hour,
		PasswordCost:            10,
		AllowRegister:           true,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:  1024 * 1024,
		DrainTimeout: 30,
	}
}
