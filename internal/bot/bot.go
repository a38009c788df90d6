package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/xaenox/chatbot-api/internal/llm"
	"github.com/xaenox/chatbot-api/internal/resolver"
	"github.com/xaenox/chatbot-api/internal/storage"
	"github.com/xaenox/chatbot-api/internal/tasks"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	replyPlainMessage = "To use the assistant, start your message with '/'"
	replyCancelled    = "Operation cancelled"
	replyFailure      = "Something went wrong while processing your message. Please try again later."
)

// Sender delivers outbound messages. *tgbotapi.BotAPI implements it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// API is the part of *tgbotapi.BotAPI the receive loop uses.
type API interface {
	Sender
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Config struct {
	DefaultModel string
	PromptModel  string
	PollTimeout  int
	PullTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultModel == "" {
		c.DefaultModel = "mistral"
	}
	if c.PromptModel == "" {
		c.PromptModel = "mistral:latest"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 60
	}
	return c
}

type Bot struct {
	api      API
	resolver *resolver.Resolver
	router   *Router
	cfg      Config
	logger   *zap.Logger
}

// NewAPI connects to Telegram with the given token.
func NewAPI(token string, debug bool) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = debug
	return api, nil
}

func New(api API, store storage.Storage, gateway llm.Gateway, sup *tasks.Supervisor, cfg Config, logger *zap.Logger) *Bot {
	cfg = cfg.withDefaults()
	return &Bot{
		api:      api,
		resolver: resolver.New(store, logger),
		router:   NewRouter(api, store, gateway, sup, cfg, logger),
		cfg:      cfg,
		logger:   logger.Named("bot"),
	}
}

// Run receives updates until ctx is cancelled. Each update is handled in its
// own goroutine; Run returns after all of them have finished.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollTimeout

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Listening for updates", zap.Int("poll_timeout", u.Timeout))

	var handlers errgroup.Group
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("Stopping update receiver, waiting for in-flight handlers")
			_ = handlers.Wait()
			return nil
		case update, ok := <-updates:
			if !ok {
				_ = handlers.Wait()
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("update channel closed unexpectedly")
			}
			handlers.Go(func() error {
				b.HandleUpdate(ctx, update)
				return nil
			})
		}
	}
}

// HandleUpdate runs one update through the pipeline. It never panics and never
// returns an error: failures are logged and, when a chat is known, reported
// to the user.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	message := update.Message
	if message == nil || message.From == nil || message.Chat == nil || message.Text == "" {
		return
	}

	logger := b.logger.With(
		zap.String("event_id", uuid.NewString()),
		zap.Int("update_id", update.UpdateID),
		zap.Int64("chat_id", message.Chat.ID),
		zap.Int64("user_id", message.From.ID),
		zap.Int("message_id", message.MessageID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while handling update", zap.Any("panic", r), zap.Stack("stack"))
			b.sendErrorMessage(message.Chat.ID, replyFailure)
		}
	}()

	if err := b.process(withLogger(ctx, logger), message, logger); err != nil {
		b.handleFailure(message.Chat.ID, logger, err)
	}
}

func (b *Bot) process(ctx context.Context, message *tgbotapi.Message, logger *zap.Logger) error {
	userID, err := b.resolver.ResolveUser(ctx, message.From)
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}

	chatID, err := b.resolver.ResolveChat(ctx, message.Chat)
	if err != nil {
		return fmt.Errorf("resolve chat: %w", err)
	}

	if _, err := b.resolver.SaveMessage(ctx, chatID, userID, message); err != nil {
		return fmt.Errorf("save message: %w", err)
	}

	if !strings.HasPrefix(message.Text, "/") {
		logger.Debug("Plain message received")
		b.sendMessage(message.Chat.ID, replyPlainMessage)
		return nil
	}

	return b.router.Route(ctx, message)
}

func (b *Bot) handleFailure(chatID int64, logger *zap.Logger, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("Update processing cancelled", zap.Error(err))
		b.sendMessage(chatID, replyCancelled)
		return
	}

	logger.Error("Failed to process update",
		zap.Error(err),
		zap.Bool("persistence", errors.Is(err, storage.ErrPersistence)),
		zap.Bool("backend", errors.Is(err, llm.ErrBackendUnreachable)),
		zap.Bool("model_unavailable", errors.Is(err, llm.ErrModelUnavailable)))
	b.sendErrorMessage(chatID, replyFailure)
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

type loggerKey struct{}

func withLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func loggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return fallback
}
