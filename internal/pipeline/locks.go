package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// chatLocks hands out per-chat tickets that are served strictly in the order
// they were taken. Chats never wait on each other.
type chatLocks struct {
	mu     sync.Mutex
	queues map[uuid.UUID][]*ticket
}

type ticket struct {
	locks  *chatLocks
	chatID uuid.UUID
	ready  chan struct{}
	once   sync.Once
}

func newChatLocks() *chatLocks {
	return &chatLocks{queues: make(map[uuid.UUID][]*ticket)}
}

// enqueue takes the next ticket for chatID without blocking.
func (l *chatLocks) enqueue(chatID uuid.UUID) *ticket {
	t := &ticket{locks: l, chatID: chatID, ready: make(chan struct{})}
	l.mu.Lock()
	defer l.mu.Unlock()
	q := append(l.queues[chatID], t)
	l.queues[chatID] = q
	if len(q) == 1 {
		close(t.ready)
	}
	return t
}

// wait blocks until every earlier ticket for the chat has left.
func (t *ticket) wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// leave releases the ticket, whether or not it was ever served. It is safe
// to call more than once.
func (t *ticket) leave() {
	t.once.Do(func() {
		l := t.locks
		l.mu.Lock()
		defer l.mu.Unlock()
		q := l.queues[t.chatID]
		for i, other := range q {
			if other != t {
				continue
			}
			q = append(q[:i], q[i+1:]...)
			if len(q) == 0 {
				delete(l.queues, t.chatID)
				return
			}
			l.queues[t.chatID] = q
			if i == 0 {
				close(q[0].ready)
			}
			return
		}
	})
}

func (l *chatLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues)
}
