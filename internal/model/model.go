package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// User is an account that owns chats.
type User struct {
	ID           string    `json:"id"        gorm:"primaryKey"`
	Email        string    `json:"email"     gorm:"not null;uniqueIndex"`
	PasswordHash string    `json:"-"         gorm:"not null"`
	FirstName    string    `json:"firstName" gorm:"not null;default:''"`
	LastName     string    `json:"lastName"  gorm:"not null;default:''"`
	CreatedAt    time.Time `json:"createdAt" gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Chat is a titled container of messages owned by exactly one user.
type Chat struct {
	ID           uuid.UUID `json:"id"           gorm:"primaryKey;type:uuid"`
	UserID       string    `json:"userId"       gorm:"not null;index:idx_chats_user_activity,priority:1"`
	Title        string    `json:"title"        gorm:"not null"`
	LastActivity time.Time `json:"lastActivity" gorm:"not null;index:idx_chats_user_activity,priority:2,sort:desc"`
	CreatedAt    time.Time `json:"createdAt"    gorm:"not null"`
}

func (Chat) TableName() string { return "chats" }

// Message is a single user or assistant turn within a chat.
// Messages are immutable once written, except for IndexedAt which records
// when the memory index accepted the message.
type Message struct {
	ID        uuid.UUID  `json:"id"                  gorm:"primaryKey;type:uuid"`
	ChatID    uuid.UUID  `json:"chatId"              gorm:"not null;type:uuid;index:idx_messages_chat_created,priority:1"`
	UserID    string     `json:"userId"              gorm:"not null"`
	Role      Role       `json:"role"                gorm:"not null"`
	Content   string     `json:"content"             gorm:"not null"`
	CreatedAt time.Time  `json:"createdAt"           gorm:"not null;index:idx_messages_chat_created,priority:2"`
	IndexedAt *time.Time `json:"indexedAt,omitempty"`
}

func (Message) TableName() string { return "messages" }
