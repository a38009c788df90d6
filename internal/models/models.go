package models

import (
	"errors"
	"fmt"
	"time"
)

// Column bounds enforced before rows reach the store.
const (
	MaxNameLength     = 100
	MaxLanguageLength = 50
	MaxTitleLength    = 255
	MaxTextLength     = 4096
)

// UntitledChat is stored when Telegram does not send a chat title.
const UntitledChat = "Untitled"

var ErrUnknownChatKind = errors.New("unknown chat kind")

// ChatKind is the closed set of Telegram chat types.
type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

func ParseChatKind(s string) (ChatKind, error) {
	switch k := ChatKind(s); k {
	case ChatPrivate, ChatGroup, ChatSupergroup, ChatChannel:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChatKind, s)
	}
}

// User represents a Telegram account that has written to the bot
type User struct {
	ID           int64      `db:"id" json:"id"`
	TelegramID   int64      `db:"telegram_id" json:"telegram_id"`
	Username     *string    `db:"username" json:"username,omitempty"`
	FirstName    *string    `db:"first_name" json:"first_name,omitempty"`
	LastName     *string    `db:"last_name" json:"last_name,omitempty"`
	LanguageCode *string    `db:"language_code" json:"language_code,omitempty"`
	IsBot        bool       `db:"is_bot" json:"is_bot"`
	IsPremium    bool       `db:"is_premium" json:"is_premium"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	LastActiveAt *time.Time `db:"last_active_at" json:"last_active_at,omitempty"`
}

// Chat represents a Telegram chat the bot has seen
type Chat struct {
	ID         int64     `db:"id" json:"id"`
	TelegramID int64     `db:"telegram_id" json:"telegram_id"`
	Type       ChatKind  `db:"type" json:"type"`
	Title      string    `db:"title" json:"title"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Message is a single inbound message. MessageID is only unique within its chat.
type Message struct {
	ID         int64     `db:"id" json:"id"`
	MessageID  int       `db:"message_id" json:"message_id"`
	ChatID     int64     `db:"chat_id" json:"chat_id"`
	FromUserID int64     `db:"from_user_id" json:"from_user_id"`
	Text       *string   `db:"text" json:"text,omitempty"`
	SentAt     time.Time `db:"sent_at" json:"sent_at"`
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// OptionalString returns nil for empty strings so they are stored as NULL.
func OptionalString(s string, max int) *string {
	if s == "" {
		return nil
	}
	t := Truncate(s, max)
	return &t
}
