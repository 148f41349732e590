package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestIsUpgradeRequest(t *testing.T) {
	t.Run("websocket handshake is an upgrade", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/socket", nil)
		req.Header.Set("Upgrade", "WebSocket")
		require.True(t, isUpgradeRequest(req))
	})

	t.Run("json post is not an upgrade", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/chats", strings.NewReader(`{"title":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		require.False(t, isUpgradeRequest(req))
	})
}

func TestMaxBodySizeMiddleware_EnforcesForRequestBodies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/chats", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/chats", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func readBodyLengthHandler(c *gin.Context) {
	n, err := io.Copy(io.Discard, c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	c.String(http.StatusOK, "%d", n)
}

func testConfig(t *testing.T) config.Config {
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(t.TempDir(), "chat.db")
	cfg.VectorType = "chromem"
	cfg.EmbedType = "local"
	cfg.JWTSecret = "test-secret"
	cfg.Listener.Port = 0
	cfg.Listener.EnableTLS = false
	cfg.IndexerInterval = 50 * time.Millisecond
	return cfg
}

func TestStartServer_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(config.WithContext(context.Background(), &cfg))
	defer cancel()

	srv, err := StartServer(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		require.NoError(t, srv.Shutdown(shutdownCtx))
	})
	require.True(t, srv.Memory.Enabled())

	base := fmt.Sprintf("http://127.0.0.1:%d", srv.Running.Port)

	resp, err := http.Get(base + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Create a chat over HTTP.
	req, err := http.NewRequest(http.MethodPost, base+"/v1/chats", strings.NewReader(`{"title":"e2e"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice")
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var chat struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chat))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Send a message over the socket and wait for the reply.
	header := http.Header{}
	header.Set("Authorization", "Bearer alice")
	ws, wsResp, err := websocket.DefaultDialer.Dial(strings.Replace(base, "http", "ws", 1)+"/v1/socket", header)
	require.NoError(t, err)
	if wsResp != nil && wsResp.Body != nil {
		wsResp.Body.Close()
	}
	defer ws.Close()

	frame, _ := json.Marshal(map[string]any{
		"event": "message-submitted",
		"data":  map[string]string{"chatId": chat.ID, "content": "Hello"},
	})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))
	var envelope struct {
		Event string `json:"event"`
		Data  struct {
			ChatID  string `json:"chatId"`
			Content string `json:"content"`
		} `json:"data"`
	}
	require.NoError(t, ws.ReadJSON(&envelope))
	require.Equal(t, "reply-ready", envelope.Event)
	require.Equal(t, chat.ID, envelope.Data.ChatID)
	require.Equal(t, "You said: Hello", envelope.Data.Content)

	// The background indexer picks up the assistant reply.
	require.Eventually(t, func() bool {
		pending, err := srv.Store.FindMessagesPendingIndexing(ctx, 10)
		return err == nil && len(pending) == 0
	}, 5*time.Second, 50*time.Millisecond)

	// gRPC health on the same port.
	conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", srv.Running.Port), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, health.Status)
}

func TestStartServer_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemoryScope = "galaxy"
	ctx := config.WithContext(context.Background(), &cfg)

	_, err := StartServer(ctx, &cfg)
	require.ErrorContains(t, err, "memory scope")
}
