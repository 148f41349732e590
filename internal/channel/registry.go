package channel

import (
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/security"
	"github.com/gorilla/websocket"
)

// Connection binds one verified user to one live websocket.
type Connection struct {
	ID     string
	UserID string

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	inFlight  atomic.Int32
}

func newConnection(id, userID string, conn *websocket.Conn, queueSize int) *Connection {
	return &Connection{
		ID:     id,
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
}

// Send queues an event for delivery. It returns false when the connection is
// closed or its outbound queue is full.
func (c *Connection) Send(event string, data any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	frame, err := encode(event, data)
	if err != nil {
		log.Error("Failed to encode event", "event", event, "err", err)
		return false
	}
	select {
	case c.send <- frame:
		if security.SocketEventsTotal != nil {
			security.SocketEventsTotal.WithLabelValues("out", event).Inc()
		}
		return true
	case <-c.done:
		return false
	default:
		log.Warn("Outbound queue full, dropping event", "connection", c.ID, "userId", c.UserID, "event", event)
		return false
	}
}

// admit reserves a turn slot. A limit below one admits everything.
func (c *Connection) admit(limit int) bool {
	n := c.inFlight.Add(1)
	if limit > 0 && int(n) > limit {
		c.inFlight.Add(-1)
		return false
	}
	return true
}

func (c *Connection) release() { c.inFlight.Add(-1) }

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Registry tracks live connections by id and by user.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

func (r *Registry) add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	userConns := r.byUser[c.UserID]
	if userConns == nil {
		userConns = make(map[string]*Connection)
		r.byUser[c.UserID] = userConns
	}
	userConns[c.ID] = c
	if security.SocketConnections != nil {
		security.SocketConnections.Inc()
	}
}

func (r *Registry) remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; !ok {
		return
	}
	delete(r.conns, c.ID)
	if userConns := r.byUser[c.UserID]; userConns != nil {
		delete(userConns, c.ID)
		if len(userConns) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	if security.SocketConnections != nil {
		security.SocketConnections.Dec()
	}
}

// Get returns the live connection with the given id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// ForUser returns the user's live connections.
func (r *Registry) ForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) all() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
