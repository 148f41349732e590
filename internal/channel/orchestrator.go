// Package channel serves the websocket that clients use to submit messages
// and receive replies.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/pipeline"
	"github.com/chirino/chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Options tunes the orchestrator.
type Options struct {
	SendQueueSize  int
	PingPeriod     time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	// MaxInFlight caps the turns one connection may have running at once.
	// Further messages are answered with a turn-error until one finishes.
	MaxInFlight int
	// AllowedOrigins lists browser origins allowed to open a socket. Empty
	// allows only same-origin requests; "*" allows any origin.
	AllowedOrigins []string
}

// OptionsFromConfig reads socket options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		SendQueueSize:  cfg.SocketSendQueueSize,
		PingPeriod:     cfg.SocketPingPeriod,
		WriteWait:      10 * time.Second,
		MaxMessageSize: cfg.SocketMaxMessageLen,
		MaxInFlight:    cfg.SocketMaxInFlight,
	}
	opts.AllowedOrigins = cfg.AllowedOrigins()
	return opts
}

// Orchestrator owns every live websocket and routes submitted messages
// through the response pipeline.
type Orchestrator struct {
	// ctx is the server lifetime. Turns run on it so that a client
	// disconnecting does not abort persistence or generation.
	ctx      context.Context
	resolver *security.TokenResolver
	pipeline *pipeline.Pipeline
	registry *Registry
	upgrader websocket.Upgrader
	opts     Options
	turns    sync.WaitGroup
}

// New creates an Orchestrator whose turns run until ctx is cancelled.
func New(ctx context.Context, resolver *security.TokenResolver, p *pipeline.Pipeline, opts Options) *Orchestrator {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 64
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 50 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	o := &Orchestrator{
		ctx:      ctx,
		resolver: resolver,
		pipeline: p,
		registry: NewRegistry(),
		opts:     opts,
	}
	o.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(opts.AllowedOrigins) > 0 {
		o.upgrader.CheckOrigin = o.checkOrigin
	}
	return o
}

// Registry returns the live connection registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

func (o *Orchestrator) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range o.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// Handle verifies the caller and upgrades the request to a websocket. An
// unverified caller gets 401 and no socket.
func (o *Orchestrator) Handle(c *gin.Context) {
	token := security.CredentialFromRequest(c.Request)
	id, err := o.resolver.Resolve(c.Request.Context(), token)
	if err != nil {
		log.Info("Socket rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := o.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		log.Warn("Socket upgrade failed", "userId", id.UserID, "err", err)
		return
	}

	conn := newConnection(uuid.NewString(), id.UserID, ws, o.opts.SendQueueSize)
	o.registry.add(conn)
	log.Info("Socket connected", "connection", conn.ID, "userId", conn.UserID, "userConnections", len(o.registry.ForUser(conn.UserID)))

	go o.writeLoop(conn)
	go o.readLoop(conn)
}

func (o *Orchestrator) readLoop(conn *Connection) {
	defer o.disconnect(conn)

	pongWait := o.opts.PingPeriod * 10 / 9
	if o.opts.MaxMessageSize > 0 {
		conn.conn.SetReadLimit(o.opts.MaxMessageSize)
	}
	_ = conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn("Socket read failed", "connection", conn.ID, "err", err)
			}
			return
		}
		_ = conn.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
			log.Warn("Skipping malformed frame", "connection", conn.ID, "err", err)
			o.countInbound("malformed")
			continue
		}

		switch env.Event {
		case EventMessageSubmitted:
			o.countInbound(env.Event)
			o.submit(conn, env.Data)
		case EventPing:
			o.countInbound(env.Event)
			conn.Send(EventPong, nil)
		default:
			o.countInbound("unknown")
			log.Warn("Skipping unknown event", "connection", conn.ID, "event", env.Event)
		}
	}
}

// submit fixes the turn's place in its chat's queue before handing it to a
// goroutine, so messages of one chat are processed in arrival order.
func (o *Orchestrator) submit(conn *Connection, data json.RawMessage) {
	var msg MessageSubmitted
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn("Skipping malformed message-submitted", "connection", conn.ID, "err", err)
		return
	}
	chatID, err := uuid.Parse(strings.TrimSpace(msg.ChatID))
	if err != nil {
		conn.Send(EventTurnError, TurnError{ChatID: msg.ChatID, Reason: pipeline.ReasonChatNotFound})
		return
	}

	if !conn.admit(o.opts.MaxInFlight) {
		log.Warn("Rejecting message, too many turns in flight", "connection", conn.ID, "userId", conn.UserID, "limit", o.opts.MaxInFlight)
		conn.Send(EventTurnError, TurnError{ChatID: msg.ChatID, Reason: pipeline.Reason(pipeline.ErrBusy)})
		return
	}

	turn := o.pipeline.Enqueue(conn.UserID, chatID, msg.Content)
	o.turns.Add(1)
	go func() {
		defer o.turns.Done()
		reply, err := turn.Run(o.ctx)
		// Free the slot before delivery so a client may send again as soon as
		// it sees the result.
		conn.release()
		if err != nil {
			o.deliver(conn, EventTurnError, TurnError{ChatID: msg.ChatID, Reason: pipeline.Reason(err)})
			return
		}
		o.deliver(conn, EventReplyReady, ReplyReady{ChatID: msg.ChatID, Content: reply})
	}()
}

// deliver sends a turn result to the connection that submitted it. Results
// for connections that are gone are dropped.
func (o *Orchestrator) deliver(conn *Connection, event string, data any) {
	if _, live := o.registry.Get(conn.ID); !live {
		log.Info("Dropping result for closed connection", "connection", conn.ID, "userId", conn.UserID, "event", event)
		return
	}
	if !conn.Send(event, data) {
		log.Info("Result not delivered", "connection", conn.ID, "userId", conn.UserID, "event", event)
	}
}

func (o *Orchestrator) writeLoop(conn *Connection) {
	ticker := time.NewTicker(o.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.conn.Close()
	}()

	for {
		select {
		case frame := <-conn.send:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(o.opts.WriteWait))
			if err := conn.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn("Socket write failed", "connection", conn.ID, "err", err)
				conn.close()
				return
			}
		case <-ticker.C:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(o.opts.WriteWait))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}
		case <-conn.done:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(o.opts.WriteWait))
			_ = conn.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (o *Orchestrator) disconnect(conn *Connection) {
	o.registry.remove(conn)
	conn.close()
	log.Info("Socket disconnected", "connection", conn.ID, "userId", conn.UserID)
}

func (o *Orchestrator) countInbound(event string) {
	if security.SocketEventsTotal != nil {
		security.SocketEventsTotal.WithLabelValues("in", event).Inc()
	}
}

// Shutdown closes every socket and waits for in-flight turns to finish or
// for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	for _, conn := range o.registry.all() {
		conn.close()
	}
	done := make(chan struct{})
	go func() {
		o.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("in-flight turns did not finish"), ctx.Err())
	}
}
