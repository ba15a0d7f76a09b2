// Package chatstore persists accounts, chats and chat messages.
//
// Every chat-scoped read and write is filtered by the owning user id. A chat
// that exists but belongs to someone else is reported as ErrNotFound, exactly
// like a chat that does not exist.
package chatstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
)

const DefaultChatTitle = "New Chat"

type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Name         *string   `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type Chat struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	ModelID   *string   `json:"model_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence boundary used by the HTTP layer.
type Store interface {
	CreateUser(ctx context.Context, email, passwordHash string, name *string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id int64) (User, error)

	ListChats(ctx context.Context, userID int64) ([]Chat, error)
	CreateChat(ctx context.Context, userID int64, title string, modelID *string) (Chat, error)
	GetChat(ctx context.Context, userID, chatID int64) (Chat, error)
	UpdateChatTitle(ctx context.Context, userID, chatID int64, title string) (Chat, error)
	DeleteChat(ctx context.Context, userID, chatID int64) error

	ListMessages(ctx context.Context, userID, chatID int64) ([]Message, error)
	AddMessage(ctx context.Context, userID, chatID int64, role, content string) (Message, error)

	Close() error
}
