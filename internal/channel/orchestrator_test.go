package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/pipeline"
	registrygenerate "github.com/chirino/chat-service/internal/registry/generate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/testutil/testsqlite"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatedGenerator struct {
	gate chan struct{}
}

func (g *gatedGenerator) Name() string { return "gated" }

func (g *gatedGenerator) Generate(ctx context.Context, req registrygenerate.Request) (string, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "echo: " + req.History[len(req.History)-1].Content, nil
}

type harness struct {
	store  registrystore.ChatStore
	ctx    context.Context
	orch   *Orchestrator
	server *httptest.Server
}

func newHarness(t *testing.T, gen registrygenerate.Generator, tune ...func(*Options)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, ctx := testsqlite.NewStore(t)
	cfg := config.FromContext(ctx)

	p := pipeline.New(store, nil, gen, pipeline.OptionsFromConfig(cfg))
	lifetime, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	opts := OptionsFromConfig(cfg)
	for _, fn := range tune {
		fn(&opts)
	}
	orch := New(lifetime, security.NewTokenResolver(cfg), p, opts)
	router := gin.New()
	router.GET("/v1/socket", orch.Handle)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &harness{store: store, ctx: ctx, orch: orch, server: server}
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/socket"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := encode(event, data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func receive(t *testing.T, ws *websocket.Conn, data any) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env Envelope
	require.NoError(t, ws.ReadJSON(&env))
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env.Event
}

func TestHandshakeRequiresCredential(t *testing.T) {
	h := newHarness(t, &gatedGenerator{})
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/socket"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer not.a.jwt")
	_, resp, err = websocket.DefaultDialer.Dial(url, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	require.Zero(t, h.orch.Registry().Len())
}

func TestHandshakeAcceptsQueryToken(t *testing.T) {
	h := newHarness(t, &gatedGenerator{})
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/socket?token=alice"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return len(h.orch.Registry().ForUser("alice")) == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestMessageSubmittedGetsReply(t *testing.T) {
	h := newHarness(t, &gatedGenerator{})
	chat, err := h.store.CreateChat(h.ctx, "alice", "C1")
	require.NoError(t, err)
	ws := h.dial(t, "alice")

	send(t, ws, EventMessageSubmitted, MessageSubmitted{ChatID: chat.ID.String(), Content: "Hello"})

	var reply ReplyReady
	require.Equal(t, EventReplyReady, receive(t, ws, &reply))
	require.Equal(t, ReplyReady{ChatID: chat.ID.String(), Content: "echo: Hello"}, reply)

	msgs, err := h.store.ListMessages(h.ctx, "alice", chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "echo: Hello", msgs[1].Content)
}

func TestSameChatMessagesPersistInSubmissionOrder(t *testing.T) {
	h := newHarness(t, &gatedGenerator{})
	chat, err := h.store.CreateChat(h.ctx, "alice", "ordered")
	require.NoError(t, err)
	ws := h.dial(t, "alice")

	texts := []string{"one", "two", "three"}
	for _, text := range texts {
		send(t, ws, EventMessageSubmitted, MessageSubmitted{ChatID: chat.ID.String(), Content: text})
	}
	var replies []string
	for range texts {
		var reply ReplyReady
		require.Equal(t, EventReplyReady, receive(t, ws, &reply))
		replies = append(replies, reply.Content)
	}
	require.ElementsMatch(t, []string{"echo: one", "echo: two", "echo: three"}, replies)

	msgs, err := h.store.ListMessages(h.ctx, "alice", chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for i, text := range texts {
		assert.Equal(t, text, msgs[2*i].Content)
		assert.Equal(t, "echo: "+text, msgs[2*i+1].Content)
	}
}

func TestTurnErrors(t *testing.T) {
	h := newHarness(t, &gatedGenerator{})
	bobsChat, err := h.store.CreateChat(h.ctx, "bob", "private")
	require.NoError(t, err)
	alicesChat, err := h.store.CreateChat(h.ctx, "alice", "mine")
	require.NoError(t, err)
	ws := h.dial(t, "alice")

	cases := []struct {
		chatID string
		text   string
		reason string
	}{
		{bobsChat.ID.String(), "hi", pipeline.ReasonUnauthorized},
		{uuid.NewString(), "hi", pipeline.ReasonChatNotFound},
		{"not-a-uuid", "hi", pipeline.ReasonChatNotFound},
		{alicesChat.ID.String(), "   ", pipeline.ReasonEmptyMessage},
	}
	for _, tc := range cases {
		send(t, ws, EventMessageSubmitted, MessageSubmitted{ChatID: tc.chatID, Content: tc.text})
		var turnErr TurnError
		require.Equal(t, EventTurnError, receive(t, ws, &turnErr))
		require.Equal(t, TurnError{ChatID: tc.chatID, Reason: tc.reason}, turnErr)
	}

	msgs, err := h.store.ListMessages(h.ctx, "bob", bobsChat.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestPingAndMalformedFrames(t *testing.T) {
	h := newHarness(t, &gatedGenerator{})
	ws := h.dial(t, "alice")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"mystery"}`)))
	send(t, ws, EventPing, nil)
	require.Equal(t, EventPong, receive(t, ws, nil))
}

func TestDisconnectDoesNotCancelTurn(t *testing.T) {
	gen := &gatedGenerator{gate: make(chan struct{})}
	h := newHarness(t, gen)
	chat, err := h.store.CreateChat(h.ctx, "alice", "C1")
	require.NoError(t, err)
	ws := h.dial(t, "alice")

	send(t, ws, EventMessageSubmitted, MessageSubmitted{ChatID: chat.ID.String(), Content: "Hello"})
	require.Eventually(t, func() bool {
		msgs, err := h.store.ListMessages(h.ctx, "alice", chat.ID)
		return err == nil && len(msgs) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return h.orch.Registry().Len() == 0 }, 5*time.Second, 5*time.Millisecond)

	close(gen.gate)
	require.Eventually(t, func() bool {
		msgs, err := h.store.ListMessages(h.ctx, "alice", chat.ID)
		return err == nil && len(msgs) == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestInFlightLimitPerConnection(t *testing.T) {
	gen := &gatedGenerator{gate: make(chan struct{})}
	h := newHarness(t, gen, func(o *Options) { o.MaxInFlight = 2 })
	chat, err := h.store.CreateChat(h.ctx, "alice", "busy")
	require.NoError(t, err)
	ws := h.dial(t, "alice")

	for _, text := range []string{"one", "two", "three"} {
		send(t, ws, EventMessageSubmitted, MessageSubmitted{ChatID: chat.ID.String(), Content: text})
	}
	var turnErr TurnError
	require.Equal(t, EventTurnError, receive(t, ws, &turnErr))
	require.Equal(t, TurnError{ChatID: chat.ID.String(), Reason: pipeline.ReasonBusy}, turnErr)

	close(gen.gate)
	for range 2 {
		var reply ReplyReady
		require.Equal(t, EventReplyReady, receive(t, ws, &reply))
	}

	send(t, ws, EventMessageSubmitted, MessageSubmitted{ChatID: chat.ID.String(), Content: "four"})
	var reply ReplyReady
	require.Equal(t, EventReplyReady, receive(t, ws, &reply))
	require.Equal(t, "echo: four", reply.Content)

	msgs, err := h.store.ListMessages(h.ctx, "alice", chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for _, m := range msgs {
		assert.NotEqual(t, "three", m.Content)
	}
}

func TestShutdownClosesSockets(t *testing.T) {
	h := newHarness(t, &gatedGenerator{})
	ws := h.dial(t, "alice")
	require.Eventually(t, func() bool { return h.orch.Registry().Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestSendQueueFullDropsEvent(t *testing.T) {
	conn := newConnection("c1", "alice", nil, 1)
	require.True(t, conn.Send(EventPong, nil))
	require.False(t, conn.Send(EventPong, nil))
	conn.close()
	require.False(t, conn.Send(EventPong, nil))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := newConnection("a", "alice", nil, 1)
	b := newConnection("b", "alice", nil, 1)
	c := newConnection("c", "bob", nil, 1)
	r.add(a)
	r.add(b)
	r.add(c)
	require.Equal(t, 3, r.Len())
	require.Len(t, r.ForUser("alice"), 2)

	r.remove(a)
	r.remove(a)
	_, ok := r.Get("a")
	require.False(t, ok)
	require.Len(t, r.ForUser("alice"), 1)
	require.Equal(t, 2, r.Len())
}
