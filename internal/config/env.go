package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv reads CHAT_SERVICE_* environment variables that are not
// represented by dedicated CLI flags in the serve command.
func (c *Config) ApplyEnv() error {
	if c == nil {
		return nil
	}

	var err error
	if err = applyBoolEnv("CHAT_SERVICE_DB_MIGRATE_AT_START", &c.DatastoreMigrateAtStart); err != nil {
		return err
	}
	if err = applyBoolEnv("CHAT_SERVICE_VECTOR_MIGRATE_AT_START", &c.VectorMigrateAtStart); err != nil {
		return err
	}
	if err = applyDurationEnv("CHAT_SERVICE_CACHE_TTL", &c.CacheTTL); err != nil {
		return err
	}
	if err = applyInt64Env("CHAT_SERVICE_CACHE_LOCAL_MAX_CHATS", &c.CacheLocalMaxChats); err != nil {
		return err
	}

	applyStringEnv("CHAT_SERVICE_EMBEDDING_OPENAI_MODEL_NAME", &c.OpenAIModelName)
	applyStringEnv("CHAT_SERVICE_EMBEDDING_OPENAI_BASE_URL", &c.OpenAIBaseURL)
	if err = applyIntEnv("CHAT_SERVICE_EMBEDDING_OPENAI_DIMENSIONS", &c.OpenAIDimensions); err != nil {
		return err
	}

	if err = applyIntEnv("CHAT_SERVICE_VECTOR_QDRANT_PORT", &c.QdrantPort); err != nil {
		return err
	}
	applyStringEnv("CHAT_SERVICE_VECTOR_QDRANT_COLLECTION_PREFIX", &c.QdrantCollectionPrefix)
	applyStringEnv("CHAT_SERVICE_VECTOR_QDRANT_COLLECTION_NAME", &c.QdrantCollectionName)
	if err = applyBoolEnv("CHAT_SERVICE_VECTOR_QDRANT_USE_TLS", &c.QdrantUseTLS); err != nil {
		return err
	}
	if err = applyDurationEnv("CHAT_SERVICE_VECTOR_QDRANT_STARTUP_TIMEOUT", &c.QdrantStartupTimeout); err != nil {
		return err
	}

	applyStringEnv("CHAT_SERVICE_VECTOR_CHROMEM_PATH", &c.ChromemPath)

	applyStringEnv("CHAT_SERVICE_SYSTEM_PROMPT", &c.SystemPrompt)
	if err = applyIntEnv("CHAT_SERVICE_MEMORY_FAILURE_THRESHOLD", &c.MemoryFailureThreshold); err != nil {
		return err
	}
	if err = applyIntEnv("CHAT_SERVICE_ASSISTANT_WRITE_ATTEMPTS", &c.AssistantWriteAttempts); err != nil {
		return err
	}

	if err = applyDurationEnv("CHAT_SERVICE_INDEXER_INTERVAL", &c.IndexerInterval); err != nil {
		return err
	}
	if err = applyIntEnv("CHAT_SERVICE_INDEXER_BATCH_SIZE", &c.IndexerBatchSize); err != nil {
		return err
	}

	if err = applyIntEnv("CHAT_SERVICE_SOCKET_SEND_QUEUE_SIZE", &c.SocketSendQueueSize); err != nil {
		return err
	}
	if err = applyDurationEnv("CHAT_SERVICE_SOCKET_PING_PERIOD", &c.SocketPingPeriod); err != nil {
		return err
	}
	if err = applyIntEnv("CHAT_SERVICE_SOCKET_MAX_IN_FLIGHT", &c.SocketMaxInFlight); err != nil {
		return err
	}
	if raw := strings.TrimSpace(os.Getenv("CHAT_SERVICE_SOCKET_MAX_MESSAGE_SIZE")); raw != "" {
		size, parseErr := parseMemorySize(raw)
		if parseErr != nil {
			return fmt.Errorf("invalid CHAT_SERVICE_SOCKET_MAX_MESSAGE_SIZE: %w", parseErr)
		}
		c.SocketMaxMessageLen = size
	}
	if raw := strings.TrimSpace(os.Getenv("CHAT_SERVICE_MAX_BODY_SIZE")); raw != "" {
		size, parseErr := parseMemorySize(raw)
		if parseErr != nil {
			return fmt.Errorf("invalid CHAT_SERVICE_MAX_BODY_SIZE: %w", parseErr)
		}
		c.MaxBodySize = size
	}

	if err = applyDurationEnv("CHAT_SERVICE_SESSION_TTL", &c.SessionTTL); err != nil {
		return err
	}
	applyStringEnv("CHAT_SERVICE_COOKIE_DOMAIN", &c.CookieDomain)
	if err = applyIntEnv("CHAT_SERVICE_PASSWORD_COST", &c.PasswordCost); err != nil {
		return err
	}
	if err = applyBoolEnv("CHAT_SERVICE_CORS_ENABLED", &c.CORSEnabled); err != nil {
		return err
	}
	applyStringEnv("CHAT_SERVICE_CORS_ORIGINS", &c.CORSOrigins)
	if err = applyIntEnv("CHAT_SERVICE_DRAIN_TIMEOUT", &c.DrainTimeout); err != nil {
		return err
	}

	return nil
}

// Validate rejects settings the response pipeline cannot run with.
func (c *Config) Validate() error {
	if c.RecencyWindow < 1 {
		return fmt.Errorf("recency window must be at least 1, got %d", c.RecencyWindow)
	}
	if c.MemoryTopK < 1 {
		return fmt.Errorf("memory top-k must be at least 1, got %d", c.MemoryTopK)
	}
	switch c.MemoryScope {
	case MemoryScopeChat, MemoryScopeUser:
	default:
		return fmt.Errorf("memory scope must be %q or %q, got %q", MemoryScopeChat, MemoryScopeUser, c.MemoryScope)
	}
	if c.AssistantWriteAttempts < 1 {
		return fmt.Errorf("assistant write attempts must be at least 1, got %d", c.AssistantWriteAttempts)
	}
	if c.PipelineTimeout <= 0 {
		return fmt.Errorf("pipeline timeout must be positive")
	}
	if c.QueueTimeout < 0 {
		return fmt.Errorf("queue timeout must not be negative")
	}
	if c.SocketMaxInFlight < 1 {
		return fmt.Errorf("socket max in-flight must be at least 1, got %d", c.SocketMaxInFlight)
	}
	for name, d := range map[string]time.Duration{
		"verify":     c.VerifyTimeout,
		"store":      c.StoreTimeout,
		"memory":     c.MemoryTimeout,
		"generation": c.GenerationTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s timeout must be positive", name)
		}
		if d > c.PipelineTimeout {
			return fmt.Errorf("%s timeout (%s) exceeds pipeline timeout (%s)", name, d, c.PipelineTimeout)
		}
	}
	if c.Mode != ModeTesting && c.OIDCIssuer == "" && strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("a JWT secret (--jwt-secret) or an OIDC issuer (--oidc-issuer) is required")
	}
	return nil
}

// AllowedOrigins returns the browser origins allowed to call the API and open
// sockets. Nil means CORS is off and only same-origin sockets are accepted;
// enabling CORS without listing origins allows any origin.
func (c *Config) AllowedOrigins() []string {
	if c == nil || !c.CORSEnabled {
		return nil
	}
	var origins []string
	for _, part := range strings.Split(c.CORSOrigins, ",") {
		if v := strings.TrimSpace(part); v != "" {
			origins = append(origins, v)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// QdrantAddress returns host:port for qdrant gRPC dialing.
func (c *Config) QdrantAddress() string {
	if c == nil {
		return "localhost:6334"
	}
	host := strings.TrimSpace(c.QdrantHost)
	port := c.QdrantPort
	if parsedHost, parsedPort, ok := splitHostPort(host); ok {
		host = parsedHost
		port = parsedPort
	}
	if host == "" {
		host = "localhost"
	}
	if port <= 0 {
		port = 6334
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func splitHostPort(raw string) (string, int, bool) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", 0, false
	}

	if strings.Contains(v, "://") {
		u, err := url.Parse(v)
		if err == nil && strings.TrimSpace(u.Host) != "" {
			v = u.Host
		}
	}

	if host, port, err := net.SplitHostPort(v); err == nil {
		p, err := strconv.Atoi(port)
		if err == nil {
			return host, p, true
		}
	}
	return "", 0, false
}

func applyStringEnv(key string, dest *string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	*dest = raw
}

func applyIntEnv(key string, dest *int) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyInt64Env(key string, dest *int64) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyBoolEnv(key string, dest *bool) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyDurationEnv(key string, dest *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Go duration first (e.g. 30s, 5m).
	if d, err := time.ParseDuration(strings.ToLower(v)); err == nil {
		return d, nil
	}

	// Minimal ISO-8601 support: PT#H#M#S
	if !strings.HasPrefix(v, "PT") {
		return 0, fmt.Errorf("unsupported format %q", raw)
	}
	rest := strings.TrimPrefix(v, "PT")
	if rest == "" {
		return 0, fmt.Errorf("invalid format %q", raw)
	}
	total := time.Duration(0)
	for len(rest) > 0 {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i >= len(rest) {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		switch rest[i] {
		case 'H':
			total += time.Duration(n) * time.Hour
		case 'M':
			total += time.Duration(n) * time.Minute
		case 'S':
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		rest = rest[i+1:]
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return total, nil
}

func parseMemorySize(raw string) (int64, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(v, "KB"), strings.HasSuffix(v, "K"):
		multiplier = 1024
		v = strings.TrimSuffix(strings.TrimSuffix(v, "KB"), "K")
	case strings.HasSuffix(v, "MB"), strings.HasSuffix(v, "M"):
		multiplier = 1024 * 1024
		v = strings.TrimSuffix(strings.TrimSuffix(v, "MB"), "M")
	case strings.HasSuffix(v, "B"):
		v = strings.TrimSuffix(v, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	return n * multiplier, nil
}
