package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyEnv(t *testing.T) {
	t.Setenv("CHAT_SERVICE_CACHE_TTL", "PT2M")
	t.Setenv("CHAT_SERVICE_SOCKET_MAX_MESSAGE_SIZE", "16K")
	t.Setenv("CHAT_SERVICE_MAX_BODY_SIZE", "2M")
	t.Setenv("CHAT_SERVICE_CORS_ENABLED", "true")
	t.Setenv("CHAT_SERVICE_VECTOR_QDRANT_PORT", "7443")
	t.Setenv("CHAT_SERVICE_MEMORY_FAILURE_THRESHOLD", "2")
	t.Setenv("CHAT_SERVICE_SESSION_TTL", "1h")
	t.Setenv("CHAT_SERVICE_SYSTEM_PROMPT", "be brief")
	t.Setenv("CHAT_SERVICE_SOCKET_MAX_IN_FLIGHT", "4")

	cfg := DefaultConfig()
	err := cfg.ApplyEnv()
	require.NoError(t, err)

	require.Equal(t, 2*time.Minute, cfg.CacheTTL)
	require.Equal(t, int64(16*1024), cfg.SocketMaxMessageLen)
	require.Equal(t, int64(2*1024*1024), cfg.MaxBodySize)
	require.True(t, cfg.CORSEnabled)
	require.Equal(t, 7443, cfg.QdrantPort)
	require.Equal(t, 2, cfg.MemoryFailureThreshold)
	require.Equal(t, time.Hour, cfg.SessionTTL)
	require.Equal(t, "be brief", cfg.SystemPrompt)
	require.Equal(t, 4, cfg.SocketMaxInFlight)
}

func TestApplyEnv_InvalidValue(t *testing.T) {
	t.Setenv("CHAT_SERVICE_INDEXER_BATCH_SIZE", "lots")

	cfg := DefaultConfig()
	err := cfg.ApplyEnv()
	require.Error(t, err)
	require.Contains(t, err.Error(), "CHAT_SERVICE_INDEXER_BATCH_SIZE")
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("PT1H30M")
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, d)

	d, err = parseDuration("45s")
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, d)

	_, err = parseDuration("P1D")
	require.Error(t, err)
}

func TestQdrantAddress_Defaults(t *testing.T) {
	var cfg Config
	require.Equal(t, "localhost:6334", cfg.QdrantAddress())
}

func TestQdrantAddress_UsesPortFromHostWhenProvided(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QdrantHost = "localhost:7443"
	cfg.QdrantPort = 6334

	require.Equal(t, "localhost:7443", cfg.QdrantAddress())
}

func TestQdrantAddress_UsesHostPortFromURLWhenProvided(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QdrantHost = "http://localhost:9443"
	cfg.QdrantPort = 6334

	require.Equal(t, "localhost:9443", cfg.QdrantAddress())
}
