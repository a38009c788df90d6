package storage

import (
	"context"
	"errors"

	"github.com/xaenox/chatbot-api/internal/models"
)

// ErrPersistence wraps every failed read or write against the entity store.
var ErrPersistence = errors.New("persistence failure")

type Storage interface {
	// UpsertUser inserts the user or, when the Telegram id is already known,
	// refreshes last_active_at. Returns the internal id either way.
	UpsertUser(ctx context.Context, user *models.User) (int64, error)
	// UpsertChat inserts the chat if absent and returns its internal id.
	UpsertChat(ctx context.Context, chat *models.Chat) (int64, error)
	SaveMessage(ctx context.Context, msg *models.Message) error

	CountChats(ctx context.Context) (int64, error)
	CountUsers(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
