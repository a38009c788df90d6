// Package resolver maps Telegram identities onto internal User and Chat rows.
package resolver

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/chatbot-api/internal/models"
	"github.com/xaenox/chatbot-api/internal/storage"
	"go.uber.org/zap"
)

type Resolver struct {
	store  storage.Storage
	logger *zap.Logger
	now    func() time.Time
}

func New(store storage.Storage, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.Named("resolver"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ResolveUser upserts the sender and returns its internal id. Repeated calls
// for the same Telegram id return the same id and only refresh last activity.
func (r *Resolver) ResolveUser(ctx context.Context, from *tgbotapi.User) (int64, error) {
	if from == nil {
		return 0, fmt.Errorf("resolve user: missing sender")
	}

	now := r.now()
	user := &models.User{
		TelegramID:   from.ID,
		Username:     models.OptionalString(from.UserName, models.MaxNameLength),
		FirstName:    models.OptionalString(from.FirstName, models.MaxNameLength),
		LastName:     models.OptionalString(from.LastName, models.MaxNameLength),
		LanguageCode: models.OptionalString(from.LanguageCode, models.MaxLanguageLength),
		IsBot:        from.IsBot,
		// telegram-bot-api v5 does not decode is_premium; the column keeps its default.
		CreatedAt:    now,
		LastActiveAt: &now,
	}

	id, err := r.store.UpsertUser(ctx, user)
	if err != nil {
		return 0, err
	}

	r.logger.Debug("Resolved user", zap.Int64("telegram_id", from.ID), zap.Int64("user_id", id))
	return id, nil
}

// ResolveChat upserts the chat and returns its internal id. A chat without a
// title is stored as models.UntitledChat.
func (r *Resolver) ResolveChat(ctx context.Context, chat *tgbotapi.Chat) (int64, error) {
	if chat == nil {
		return 0, fmt.Errorf("resolve chat: missing chat")
	}

	kind, err := models.ParseChatKind(chat.Type)
	if err != nil {
		return 0, fmt.Errorf("resolve chat %d: %w", chat.ID, err)
	}

	title := models.Truncate(chat.Title, models.MaxTitleLength)
	if title == "" {
		title = models.UntitledChat
	}

	id, err := r.store.UpsertChat(ctx, &models.Chat{
		TelegramID: chat.ID,
		Type:       kind,
		Title:      title,
		CreatedAt:  r.now(),
	})
	if err != nil {
		return 0, err
	}

	r.logger.Debug("Resolved chat", zap.Int64("telegram_id", chat.ID), zap.Int64("chat_id", id))
	return id, nil
}

// SaveMessage appends the inbound message for the already resolved chat and user.
func (r *Resolver) SaveMessage(ctx context.Context, chatID, userID int64, message *tgbotapi.Message) (int64, error) {
	sentAt := message.Time().UTC()
	if message.Date == 0 {
		sentAt = r.now()
	}

	msg := &models.Message{
		MessageID:  message.MessageID,
		ChatID:     chatID,
		FromUserID: userID,
		Text:       models.OptionalString(message.Text, models.MaxTextLength),
		SentAt:     sentAt,
	}
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		return 0, err
	}
	return msg.ID, nil
}
