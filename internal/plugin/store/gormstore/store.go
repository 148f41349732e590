// Package gormstore implements registrystore.ChatStore on top of GORM. The
// postgres and sqlite store plugins share it and differ only in dialect
// details passed through Options.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type NotFoundError = registrystore.NotFoundError
type ValidationError = registrystore.ValidationError
type ConflictError = registrystore.ConflictError
type ForbiddenError = registrystore.ForbiddenError

// Options carries the dialect specific behaviour of a store.
type Options struct {
	// LockRows adds SELECT ... FOR UPDATE to the chat read inside AppendMessage.
	LockRows bool
	// IsUniqueViolation reports whether err is a unique constraint violation.
	IsUniqueViolation func(err error) bool
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Store implements registrystore.ChatStore using GORM.
type Store struct {
	db    *gorm.DB
	cfg   *config.Config
	opts  Options
	cache registrycache.RecentCache
}

// New wraps an open GORM handle. cache may be nil.
func New(db *gorm.DB, cfg *config.Config, cache registrycache.RecentCache, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IsUniqueViolation == nil {
		opts.IsUniqueViolation = func(error) bool { return false }
	}
	return &Store{db: db, cfg: cfg, opts: opts, cache: cache}
}

// DB exposes the underlying handle for migrators and tests.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) now() time.Time {
	// Postgres keeps microseconds; truncate so values round-trip unchanged.
	return s.opts.Now().UTC().Truncate(time.Microsecond)
}

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, user model.User) (*model.User, error) {
	user.Email = normalizeEmail(user.Email)
	if user.Email == "" {
		return nil, &ValidationError{Field: "email", Message: "is required"}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if s.opts.IsUniqueViolation(err) {
			return nil, &ConflictError{
				Message: "a user with this email already exists",
				Code:    "email_taken",
			}
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &user, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "user", ID: userID}
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	email = normalizeEmail(email)
	var user model.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "user", ID: email}
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// --- Chats ---

func (s *Store) CreateChat(ctx context.Context, userID string, title string) (*model.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, &ValidationError{Field: "title", Message: "must not be empty"}
	}
	now := s.now()
	chat := model.Chat{
		ID:           uuid.New(),
		UserID:       userID,
		Title:        title,
		LastActivity: now,
		CreatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&chat).Error; err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return &chat, nil
}

func (s *Store) ListChats(ctx context.Context, userID string) ([]model.Chat, error) {
	var chats []model.Chat
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_activity DESC").
		Order("id").
		Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return chats, nil
}

func (s *Store) GetChat(ctx context.Context, userID string, chatID uuid.UUID) (*model.Chat, error) {
	return s.ownedChat(s.db.WithContext(ctx), userID, chatID, false)
}

// ownedChat loads a chat and checks that userID owns it.
func (s *Store) ownedChat(tx *gorm.DB, userID string, chatID uuid.UUID, forUpdate bool) (*model.Chat, error) {
	q := tx
	if forUpdate && s.opts.LockRows {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var chat model.Chat
	if err := q.Where("id = ?", chatID).First(&chat).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "chat", ID: chatID.String()}
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	if chat.UserID != userID {
		return nil, &ForbiddenError{Resource: "chat", ID: chatID.String()}
	}
	return &chat, nil
}

func (s *Store) RenameChat(ctx context.Context, userID string, chatID uuid.UUID, title string) (*model.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, &ValidationError{Field: "title", Message: "must not be empty"}
	}
	var chat *model.Chat
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		chat, err = s.ownedChat(tx, userID, chatID, true)
		if err != nil {
			return err
		}
		chat.Title = title
		chat.LastActivity = s.later(chat.LastActivity)
		if err := tx.Model(&model.Chat{}).
			Where("id = ?", chatID).
			Updates(map[string]interface{}{"title": chat.Title, "last_activity": chat.LastActivity}).Error; err != nil {
			return fmt.Errorf("failed to rename chat: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *Store) DeleteChat(ctx context.Context, userID string, chatID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ownedChat(tx, userID, chatID, true); err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&model.Message{}).Error; err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if err := tx.Where("id = ?", chatID).Delete(&model.Chat{}).Error; err != nil {
			return fmt.Errorf("failed to delete chat: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, chatID)
	return nil
}

// --- Messages ---

func (s *Store) AppendMessage(ctx context.Context, userID string, chatID uuid.UUID, role model.Role, content string) (*model.Message, error) {
	return s.AppendMessageWithID(ctx, userID, chatID, uuid.New(), role, content)
}

func (s *Store) AppendMessageWithID(ctx context.Context, userID string, chatID uuid.UUID, id uuid.UUID, role model.Role, content string) (*model.Message, error) {
	if id == uuid.Nil {
		return nil, &ValidationError{Field: "id", Message: "must not be empty"}
	}
	if !role.Valid() {
		return nil, &ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", role)}
	}
	if strings.TrimSpace(content) == "" {
		return nil, &ValidationError{Field: "content", Message: "must not be empty"}
	}

	var (
		msg    model.Message
		stored bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chat, err := s.ownedChat(tx, userID, chatID, true)
		if err != nil {
			return err
		}

		stored, err = s.storedMessage(tx, chatID, id, &msg)
		if err != nil || stored {
			return err
		}

		var last model.Message
		res := tx.Where("chat_id = ?", chatID).Order("created_at DESC").Limit(1).Find(&last)
		if res.Error != nil {
			return fmt.Errorf("failed to read last message: %w", res.Error)
		}
		createdAt := s.now()
		if res.RowsAffected > 0 && !createdAt.After(last.CreatedAt) {
			createdAt = last.CreatedAt.Add(time.Microsecond)
		}

		msg = model.Message{
			ID:        id,
			ChatID:    chatID,
			UserID:    userID,
			Role:      role,
			Content:   content,
			CreatedAt: createdAt,
		}
		if err := tx.Create(&msg).Error; err != nil {
			if s.opts.IsUniqueViolation(err) {
				return errDuplicateMessage
			}
			return fmt.Errorf("failed to append message: %w", err)
		}

		lastActivity := createdAt
		if !lastActivity.After(chat.LastActivity) {
			lastActivity = chat.LastActivity
		}
		if err := tx.Model(&model.Chat{}).
			Where("id = ?", chatID).
			Update("last_activity", lastActivity).Error; err != nil {
			return fmt.Errorf("failed to update chat activity: %w", err)
		}
		return nil
	})
	if errors.Is(err, errDuplicateMessage) {
		// A concurrent attempt with the same ID committed first.
		msg = model.Message{}
		stored, err = s.storedMessage(s.db.WithContext(ctx), chatID, id, &msg)
		if err == nil && !stored {
			err = fmt.Errorf("failed to append message: %w", errDuplicateMessage)
		}
	}
	if err != nil {
		return nil, err
	}
	if !stored {
		s.extendWindow(ctx, chatID, msg)
	}
	return &msg, nil
}

var errDuplicateMessage = errors.New("message id already exists")

// storedMessage loads message id into msg. An ID taken by another chat is a
// conflict.
func (s *Store) storedMessage(tx *gorm.DB, chatID, id uuid.UUID, msg *model.Message) (bool, error) {
	res := tx.Where("id = ?", id).Limit(1).Find(msg)
	if res.Error != nil {
		return false, fmt.Errorf("failed to read message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	if msg.ChatID != chatID {
		return false, &ConflictError{Message: "message id belongs to another chat", Code: "message_id_taken"}
	}
	return true, nil
}

func (s *Store) ListMessages(ctx context.Context, userID string, chatID uuid.UUID) ([]model.Message, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.ownedChat(db, userID, chatID, false); err != nil {
		return nil, err
	}
	var msgs []model.Message
	if err := db.Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if len(msgs) == 0 {
		if err := s.stillOwned(db, userID, chatID); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// stillOwned repeats the ownership check after an empty read. DeleteChat
// removes messages and chat together, so an empty read that raced a delete
// is reported as the missing chat rather than as an empty one.
func (s *Store) stillOwned(db *gorm.DB, userID string, chatID uuid.UUID) error {
	_, err := s.ownedChat(db, userID, chatID, false)
	return err
}

// RecentMessages reads through the messages cache when one is configured.
func (s *Store) RecentMessages(ctx context.Context, userID string, chatID uuid.UUID, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, &ValidationError{Field: "limit", Message: "must be positive"}
	}
	db := s.db.WithContext(ctx)
	if _, err := s.ownedChat(db, userID, chatID, false); err != nil {
		return nil, err
	}

	if s.cacheAvailable() {
		cached, err := s.cache.Get(ctx, chatID)
		if err != nil {
			log.Warn("messages cache get error", "chat", chatID, "err", err)
		} else if cached.Covers(limit) {
			if security.CacheHitsTotal != nil {
				security.CacheHitsTotal.Inc()
			}
			return tail(cached.Messages, limit), nil
		}
		if security.CacheMissesTotal != nil {
			security.CacheMissesTotal.Inc()
		}
	}

	var msgs []model.Message
	if err := db.Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	if len(msgs) == 0 {
		if err := s.stillOwned(db, userID, chatID); err != nil {
			return nil, err
		}
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	if s.cacheAvailable() {
		window := registrycache.Window{Messages: msgs, Size: limit}
		if err := s.cache.Fill(ctx, chatID, window, s.cfg.CacheTTL); err != nil {
			log.Warn("messages cache set error", "chat", chatID, "err", err)
		}
	}
	return msgs, nil
}

func (s *Store) GetMessagesByID(ctx context.Context, userID string, ids []uuid.UUID) ([]model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var msgs []model.Message
	if err := s.db.WithContext(ctx).
		Where("id IN ? AND user_id = ?", ids, userID).
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	// Preserve the caller's ordering, which is usually relevance order.
	byID := make(map[uuid.UUID]model.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	out := make([]model.Message, 0, len(msgs))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
			delete(byID, id)
		}
	}
	return out, nil
}

// --- Memory indexing ---

func (s *Store) FindMessagesPendingIndexing(ctx context.Context, limit int) ([]model.Message, error) {
	var msgs []model.Message
	if err := s.db.WithContext(ctx).
		Where("indexed_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to find messages pending indexing: %w", err)
	}
	return msgs, nil
}

func (s *Store) SetIndexedAt(ctx context.Context, messageIDs []uuid.UUID) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("id IN ?", messageIDs).
		Update("indexed_at", s.now()).Error; err != nil {
		return fmt.Errorf("failed to mark messages indexed: %w", err)
	}
	return nil
}

// --- helpers ---

// later returns now, or t plus one microsecond when the clock has not moved past t.
func (s *Store) later(t time.Time) time.Time {
	now := s.now()
	if now.After(t) {
		return now
	}
	return t.Add(time.Microsecond)
}

func (s *Store) cacheAvailable() bool {
	return s.cache != nil && s.cache.Available()
}

func (s *Store) invalidate(ctx context.Context, chatID uuid.UUID) {
	if !s.cacheAvailable() {
		return
	}
	if err := s.cache.Drop(ctx, chatID); err != nil {
		log.Warn("messages cache drop error", "chat", chatID, "err", err)
	}
}

// extendWindow keeps a cached window current after an append. A window that
// cannot be extended is dropped so the next read goes to the database.
func (s *Store) extendWindow(ctx context.Context, chatID uuid.UUID, msg model.Message) {
	if !s.cacheAvailable() {
		return
	}
	if err := s.cache.Push(ctx, chatID, msg); err != nil {
		log.Warn("messages cache push error", "chat", chatID, "err", err)
		s.invalidate(ctx, chatID)
	}
}

func tail(msgs []model.Message, n int) []model.Message {
	if len(msgs) <= n {
		out := make([]model.Message, len(msgs))
		copy(out, msgs)
		return out
	}
	out := make([]model.Message, n)
	copy(out, msgs[len(msgs)-n:])
	return out
}
