// Package storetest holds behaviour tests shared by every ChatStore plugin.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Setup returns a migrated store. Tests use distinct user IDs, so one store
// may be shared across all of them.
type Setup func(t *testing.T) (registrystore.ChatStore, context.Context)

// Run executes the shared ChatStore behaviour tests against setup.
func Run(t *testing.T, setup Setup) {
	t.Run("CreateAndGetChat", func(t *testing.T) { testCreateAndGetChat(t, setup) })
	t.Run("ListChatsByActivity", func(t *testing.T) { testListChatsByActivity(t, setup) })
	t.Run("RenameChat", func(t *testing.T) { testRenameChat(t, setup) })
	t.Run("ChatOwnership", func(t *testing.T) { testChatOwnership(t, setup) })
	t.Run("MessagesAscending", func(t *testing.T) { testMessagesAscending(t, setup) })
	t.Run("RecentMessagesWindow", func(t *testing.T) { testRecentMessagesWindow(t, setup) })
	t.Run("DeleteChatCascades", func(t *testing.T) { testDeleteChatCascades(t, setup) })
	t.Run("DeleteChatDuringReads", func(t *testing.T) { testDeleteChatDuringReads(t, setup) })
	t.Run("AppendWithIDIsIdempotent", func(t *testing.T) { testAppendWithIDIsIdempotent(t, setup) })
	t.Run("GetMessagesByID", func(t *testing.T) { testGetMessagesByID(t, setup) })
	t.Run("PendingIndexing", func(t *testing.T) { testPendingIndexing(t, setup) })
	t.Run("Users", func(t *testing.T) { testUsers(t, setup) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, setup) })
}

func testCreateAndGetChat(t *testing.T, setup Setup) {
	store, ctx := setup(t)

	chat, err := store.CreateChat(ctx, "u1", "  Hello  ")
	require.NoError(t, err)
	assert.Equal(t, "Hello", chat.Title)
	assert.Equal(t, "u1", chat.UserID)

	got, err := store.GetChat(ctx, "u1", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.ID, got.ID)
	assert.Equal(t, "Hello", got.Title)

	_, err = store.CreateChat(ctx, "u1", "   ")
	var verr *registrystore.ValidationError
	require.ErrorAs(t, err, &verr)
}

func testListChatsByActivity(t *testing.T, setup Setup) {
	store, ctx := setup(t)

	a, err := store.CreateChat(ctx, "u2", "A")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond) // ensure ordering
	b, err := store.CreateChat(ctx, "u2", "B")
	require.NoError(t, err)
	_, err = store.CreateChat(ctx, "someone-else", "C")
	require.NoError(t, err)

	chats, err := store.ListChats(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, b.ID, chats[0].ID)

	// A message in A makes it the most recently active chat.
	time.Sleep(5 * time.Millisecond)
	_, err = store.AppendMessage(ctx, "u2", a.ID, model.RoleUser, "bump")
	require.NoError(t, err)
	chats, err = store.ListChats(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, a.ID, chats[0].ID)

	none, err := store.ListChats(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testRenameChat(t *testing.T, setup Setup) {
	store, ctx := setup(t)

	chat, err := store.CreateChat(ctx, "u3", "Old")
	require.NoError(t, err)

	renamed, err := store.RenameChat(ctx, "u3", chat.ID, " New ")
	require.NoError(t, err)
	assert.Equal(t, "New", renamed.Title)
	assert.True(t, renamed.LastActivity.After(chat.LastActivity))

	_, err = store.RenameChat(ctx, "u3", chat.ID, "")
	var verr *registrystore.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = store.RenameChat(ctx, "u3", uuid.New(), "x")
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func testChatOwnership(t *testing.T, setup Setup) {
	store, ctx := setup(t)

	chat, err := store.CreateChat(ctx, "owner", "Private")
	require.NoError(t, err)

	var forbidden *registrystore.ForbiddenError
	_, err = store.GetChat(ctx, "stranger", chat.ID)
	require.ErrorAs(t, err, &forbidden)
	_, err = store.ListMessages(ctx, "stranger", chat.ID)
	require.ErrorAs(t, err, &forbidden)
	_, err = store.AppendMessage(ctx, "stranger", chat.ID, model.RoleUser, "hi")
	require.ErrorAs(t, err, &forbidden)
	err = store.DeleteChat(ctx, "stranger", chat.ID)
	require.ErrorAs(t, err, &forbidden)

	var nf *registrystore.NotFoundError
	_, err = store.GetChat(ctx, "owner", uuid.New())
	require.ErrorAs(t, err, &nf)
}

func testMessagesAscending(t *testing.T, setup Setup) {
	store, ctx := setup(t)

	chat, err := store.CreateChat(ctx, "u4", "Order")
	require.NoError(t, err)

	var ids []uuid.UUID
	for i := 0; i < 6; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msg, err := store.AppendMessage(ctx, "u4", chat.ID, role, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	msgs, err := store.ListMessages(ctx, "u4", chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for i, m := range msgs {
		assert.Equal(t, ids[i], m.ID)
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Content)
		if i > 0 {
			assert.True(t, m.CreatedAt.After(msgs[i-1].CreatedAt), "created timestamps must strictly increase")
		}
	}

	_, err = store.AppendMessage(ctx, "u4", chat.ID, model.Role("system"), "nope")
	var verr *registrystore.ValidationError
	require.ErrorAs(t, err, &verr)
}

func testRecentMessagesWindow(t *testing.T, setup Setup) {
	store, ctx := setup(t)

	chat, err := store.CreateChat(ctx, "u5", "Window")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := store.AppendMessage(ctx, "u5", chat.ID, model.RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	recent, err := store.RecentMessages(ctx, "u5", chat.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "m2", recent[0].Content)
	assert.Equal(t, "m4", recent[2].Content)

	// Reading again must observe messages appended after the first read.
	_, err = store.AppendMessage(ctx, "u5", chat.ID, model.RoleAssistant, "m5")
	require.NoError(t, err)
	recent, err = store.RecentMessages(ctx, "u5", chat.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "m5", recent[2].Content)

	all, err := store.RecentMessages(ctx, "u5", chat.ID, 100)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func testDeleteChatCascades(t *testing.T, setup Setup) {
	store, ctx := setup(t)

	chat, err := store.CreateChat(ctx, "u6", "Doomed")
	require.NoError(t, err)
	msg, err := store.AppendMessage(ctx, "u6", chat.ID, model.RoleUser, "bye")
	require.NoError(t, err)

	require.NoError(t, store.DeleteChat(ctx, "u6", chat.ID))

	var nf *registrystore.NotFoundError
	_, err = store.GetChat(ctx, "u6", chat.ID)
	require.ErrorAs(t, err, &nf)
	_, err = store.ListMessages(ctx, "u6", chat.ID)
	require.ErrorAs(t, err, &nf)

	found, err := store.GetMessagesByID(ctx, "u6", []uuid.UUID{msg.ID})
	require.NoError(t, err)
	assert.Empty(t, found)

	err = store.DeleteChat(ctx, "u6", chat.ID)
	require.ErrorAs(t, err, &nf)
}

// Readers racing a delete see either the whole chat or no chat at all.
func testDeleteChatDuringReads(t *testing.T, setup Setup) {
	store, ctx := setup(t)

	chat, err := store.CreateChat(ctx, "u10", "Racing")
	require.NoError(t, err)
	const n = 12
	for i := 0; i < n; i++ {
		_, err := store.AppendMessage(ctx, "u10", chat.ID, model.RoleUser, fmt.Sprintf("r%d", i))
		require.NoError(t, err)
	}

	const readers = 4
	start := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for {
				msgs, err := store.ListMessages(ctx, "u10", chat.ID)
				if err != nil {
					assert.True(t, registrystore.IsNotFound(err), "unexpected error: %v", err)
					return
				}
				if !assert.Len(t, msgs, n) {
					return
				}
				for i, m := range msgs {
					assert.Equal(t, fmt.Sprintf("r%d", i), m.Content)
				}
			}
		}()
	}

	close(start)
	require.NoError(t, store.DeleteChat(ctx, "u10", chat.ID))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("readers still see the chat after it was deleted")
	}

	_, err = store.RecentMessages(ctx, "u10", chat.ID, 5)
	require.True(t, registrystore.IsNotFound(err), "unexpected error: %v", err)
}

func testAppendWithIDIsIdempotent(t *testing.T, setup Setup) {
	store, ctx := setup(t)

	chat, err := store.CreateChat(ctx, "u11", "Retry")
	require.NoError(t, err)
	id := uuid.New()

	first, err := store.AppendMessageWithID(ctx, "u11", chat.ID, id, model.RoleAssistant, "only once")
	require.NoError(t, err)
	assert.Equal(t, id, first.ID)

	again, err := store.AppendMessageWithID(ctx, "u11", chat.ID, id, model.RoleAssistant, "only once")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, first.CreatedAt.Equal(again.CreatedAt))

	msgs, err := store.ListMessages(ctx, "u11", chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	recent, err := store.RecentMessages(ctx, "u11", chat.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	other, err := store.CreateChat(ctx, "u11", "Other")
	require.NoError(t, err)
	_, err = store.AppendMessageWithID(ctx, "u11", other.ID, id, model.RoleUser, "stolen id")
	var conflict *registrystore.ConflictError
	require.ErrorAs(t, err, &conflict)

	_, err = store.AppendMessageWithID(ctx, "u11", chat.ID, uuid.Nil, model.RoleUser, "no id")
	var verr *registrystore.ValidationError
	require.ErrorAs(t, err, &verr)
}

func testGetMessagesByID(t *testing.T, setup Setup) {
	store, ctx := setup(t)

	chat, err := store.CreateChat(ctx, "u7", "Lookup")
	require.NoError(t, err)
	first, err := store.AppendMessage(ctx, "u7", chat.ID, model.RoleUser, "first")
	require.NoError(t, err)
	second, err := store.AppendMessage(ctx, "u7", chat.ID, model.RoleAssistant, "second")
	require.NoError(t, err)

	got, err := store.GetMessagesByID(ctx, "u7", []uuid.UUID{second.ID, uuid.New(), first.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, first.ID, got[1].ID)

	other, err := store.GetMessagesByID(ctx, "someone-else", []uuid.UUID{first.ID})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testPendingIndexing(t *testing.T, setup Setup) {
	store, ctx := setup(t)

	chat, err := store.CreateChat(ctx, "u8", "Index")
	require.NoError(t, err)
	m1, err := store.AppendMessage(ctx, "u8", chat.ID, model.RoleUser, "one")
	require.NoError(t, err)
	m2, err := store.AppendMessage(ctx, "u8", chat.ID, model.RoleAssistant, "two")
	require.NoError(t, err)

	pending, err := store.FindMessagesPendingIndexing(ctx, 1000)
	require.NoError(t, err)
	assert.Subset(t, messageIDs(pending), []uuid.UUID{m1.ID, m2.ID})

	require.NoError(t, store.SetIndexedAt(ctx, []uuid.UUID{m1.ID}))
	pending, err = store.FindMessagesPendingIndexing(ctx, 1000)
	require.NoError(t, err)
	assert.NotContains(t, messageIDs(pending), m1.ID)
	assert.Contains(t, messageIDs(pending), m2.ID)
}

func messageIDs(msgs []model.Message) []uuid.UUID {
	ids := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func testUsers(t *testing.T, setup Setup) {
	store, ctx := setup(t)

	user, err := store.CreateUser(ctx, model.User{Email: " Alice@Example.com ", PasswordHash: "hash", FirstName: "Alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "alice@example.com", user.Email)

	got, err := store.GetUserByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	got, err = store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.FirstName)

	_, err = store.CreateUser(ctx, model.User{Email: "alice@example.com", PasswordHash: "other"})
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict), "expected conflict error, got %T: %v", err, err)

	var nf *registrystore.NotFoundError
	_, err = store.GetUserByEmail(ctx, "bob@example.com")
	require.ErrorAs(t, err, &nf)
}

func testConcurrentAppends(t *testing.T, setup Setup) {
	store, ctx := setup(t)

	chat, err := store.CreateChat(ctx, "u9", "Busy")
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.AppendMessage(ctx, "u9", chat.ID, model.RoleUser, fmt.Sprintf("c%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := store.ListMessages(ctx, "u9", chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt))
	}
}
