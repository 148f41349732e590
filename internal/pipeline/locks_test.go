package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestChatLocks_FIFO(t *testing.T) {
	l := newChatLocks()
	id := uuid.New()

	first := l.enqueue(id)
	second := l.enqueue(id)
	third := l.enqueue(id)

	require.NoError(t, first.wait(context.Background()))
	requireBlocked(t, second)

	first.leave()
	require.NoError(t, second.wait(context.Background()))
	requireBlocked(t, third)

	second.leave()
	second.leave()
	require.NoError(t, third.wait(context.Background()))
	third.leave()
	require.Zero(t, l.size())
}

func TestChatLocks_AbandonedWaiterIsSkipped(t *testing.T) {
	l := newChatLocks()
	id := uuid.New()

	first := l.enqueue(id)
	second := l.enqueue(id)
	third := l.enqueue(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, second.wait(ctx), context.DeadlineExceeded)
	second.leave()

	first.leave()
	require.NoError(t, third.wait(context.Background()))
	third.leave()
	require.Zero(t, l.size())
}

func TestChatLocks_IndependentChats(t *testing.T) {
	l := newChatLocks()
	a := l.enqueue(uuid.New())
	b := l.enqueue(uuid.New())
	require.NoError(t, a.wait(context.Background()))
	require.NoError(t, b.wait(context.Background()))
	a.leave()
	b.leave()
	require.Zero(t, l.size())
}

func requireBlocked(t *testing.T, tk *ticket) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tk.wait(ctx), context.DeadlineExceeded)
}
