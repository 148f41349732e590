package metrics

import (
	"context"
	"time"

	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a ChatStore that records StoreLatency for every operation.
func Wrap(inner store.ChatStore) store.ChatStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ChatStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) CreateUser(ctx context.Context, user model.User) (*model.User, error) {
	defer observe("create_user", time.Now())
	return m.inner.CreateUser(ctx, user)
}

func (m *metricsStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	defer observe("get_user", time.Now())
	return m.inner.GetUser(ctx, userID)
}

func (m *metricsStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	defer observe("get_user_by_email", time.Now())
	return m.inner.GetUserByEmail(ctx, email)
}

func (m *metricsStore) CreateChat(ctx context.Context, userID string, title string) (*model.Chat, error) {
	defer observe("create_chat", time.Now())
	return m.inner.CreateChat(ctx, userID, title)
}

func (m *metricsStore) ListChats(ctx context.Context, userID string) ([]model.Chat, error) {
	defer observe("list_chats", time.Now())
	return m.inner.ListChats(ctx, userID)
}

func (m *metricsStore) GetChat(ctx context.Context, userID string, chatID uuid.UUID) (*model.Chat, error) {
	defer observe("get_chat", time.Now())
	return m.inner.GetChat(ctx, userID, chatID)
}

func (m *metricsStore) RenameChat(ctx context.Context, userID string, chatID uuid.UUID, title string) (*model.Chat, error) {
	defer observe("rename_chat", time.Now())
	return m.inner.RenameChat(ctx, userID, chatID, title)
}

func (m *metricsStore) DeleteChat(ctx context.Context, userID string, chatID uuid.UUID) error {
	defer observe("delete_chat", time.Now())
	return m.inner.DeleteChat(ctx, userID, chatID)
}

func (m *metricsStore) AppendMessage(ctx context.Context, userID string, chatID uuid.UUID, role model.Role, content string) (*model.Message, error) {
	defer observe("append_message", time.Now())
	return m.inner.AppendMessage(ctx, userID, chatID, role, content)
}

func (m *metricsStore) AppendMessageWithID(ctx context.Context, userID string, chatID uuid.UUID, id uuid.UUID, role model.Role, content string) (*model.Message, error) {
	defer observe("append_message", time.Now())
	return m.inner.AppendMessageWithID(ctx, userID, chatID, id, role, content)
}

func (m *metricsStore) ListMessages(ctx context.Context, userID string, chatID uuid.UUID) ([]model.Message, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, userID, chatID)
}

func (m *metricsStore) RecentMessages(ctx context.Context, userID string, chatID uuid.UUID, limit int) ([]model.Message, error) {
	defer observe("recent_messages", time.Now())
	return m.inner.RecentMessages(ctx, userID, chatID, limit)
}

func (m *metricsStore) GetMessagesByID(ctx context.Context, userID string, ids []uuid.UUID) ([]model.Message, error) {
	defer observe("get_messages_by_id", time.Now())
	return m.inner.GetMessagesByID(ctx, userID, ids)
}

func (m *metricsStore) FindMessagesPendingIndexing(ctx context.Context, limit int) ([]model.Message, error) {
	defer observe("find_messages_pending_indexing", time.Now())
	return m.inner.FindMessagesPendingIndexing(ctx, limit)
}

func (m *metricsStore) SetIndexedAt(ctx context.Context, messageIDs []uuid.UUID) error {
	defer observe("set_indexed_at", time.Now())
	return m.inner.SetIndexedAt(ctx, messageIDs)
}
