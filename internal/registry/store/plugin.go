package store

import (
	"context"
	"fmt"

	"github.com/chirino/chat-service/internal/model"
	"github.com/google/uuid"
)

// ChatStore is the durable record of users, chats, and messages.
//
// Every chat-scoped operation takes the caller's user ID. A chat that does not
// exist yields *NotFoundError; a chat owned by someone else yields
// *ForbiddenError. Any other failure is a storage failure.
type ChatStore interface {
	// Users
	CreateUser(ctx context.Context, user model.User) (*model.User, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)

	// Chats
	CreateChat(ctx context.Context, userID string, title string) (*model.Chat, error)
	// ListChats returns the user's chats, most recent activity first.
	ListChats(ctx context.Context, userID string) ([]model.Chat, error)
	GetChat(ctx context.Context, userID string, chatID uuid.UUID) (*model.Chat, error)
	RenameChat(ctx context.Context, userID string, chatID uuid.UUID, title string) (*model.Chat, error)
	// DeleteChat removes the chat and all of its messages atomically.
	DeleteChat(ctx context.Context, userID string, chatID uuid.UUID) error

	// Messages
	// AppendMessage persists a message and bumps the chat's last activity.
	// Created timestamps within a chat are strictly increasing.
	AppendMessage(ctx context.Context, userID string, chatID uuid.UUID, role model.Role, content string) (*model.Message, error)
	// AppendMessageWithID is AppendMessage under a caller chosen ID. Writing an
	// ID that the chat already holds returns the stored message and adds
	// nothing, so a write may be retried after an ambiguous failure.
	AppendMessageWithID(ctx context.Context, userID string, chatID uuid.UUID, id uuid.UUID, role model.Role, content string) (*model.Message, error)
	// ListMessages returns all messages of the chat, oldest first.
	ListMessages(ctx context.Context, userID string, chatID uuid.UUID) ([]model.Message, error)
	// RecentMessages returns the newest limit messages of the chat, oldest first.
	RecentMessages(ctx context.Context, userID string, chatID uuid.UUID, limit int) ([]model.Message, error)
	// GetMessagesByID resolves message IDs owned by userID. Unknown IDs are skipped.
	GetMessagesByID(ctx context.Context, userID string, ids []uuid.UUID) ([]model.Message, error)

	// Memory indexing
	FindMessagesPendingIndexing(ctx context.Context, limit int) ([]model.Message, error)
	SetIndexedAt(ctx context.Context, messageIDs []uuid.UUID) error
}

// Loader creates a ChatStore from config.
type Loader func(ctx context.Context) (ChatStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
