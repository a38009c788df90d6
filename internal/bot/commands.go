package bot

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/chatbot-api/internal/llm"
	"github.com/xaenox/chatbot-api/internal/markdown"
	"github.com/xaenox/chatbot-api/internal/storage"
	"github.com/xaenox/chatbot-api/internal/tasks"
	"go.uber.org/zap"
)

type Command int

const (
	CommandUnknown Command = iota
	CommandPrompt
	CommandStatus
	CommandModels
	CommandHelp
)

func (c Command) String() string {
	switch c {
	case CommandPrompt:
		return "prompt"
	case CommandStatus:
		return "status"
	case CommandModels:
		return "models"
	case CommandHelp:
		return "help"
	default:
		return "unknown"
	}
}

var commandTokens = map[string]Command{
	"/":       CommandPrompt,
	"/ollama": CommandPrompt,
	"/status": CommandStatus,
	"/models": CommandModels,
	"/help":   CommandHelp,
	"/start":  CommandHelp,
}

const (
	replyNoPrompt   = "Please provide a prompt after the command."
	replyProcessing = "Processing your request, please wait..."
	replyStatus     = "Total chats: %d, Total users: %d"
	replyUnknown    = "Unknown command: %s. Available commands: /, /ollama, /status, /models, /help"
	replyPulling    = "Pulling model %s, please wait..."
	replyNoModels   = "No models are available yet."

	helpText = `Available commands:
/ <prompt> - Ask the assistant
/ollama <prompt> - Same as /
/status - Show how many chats and users I know
/models - List the downloaded models
/help - Show this help message`
)

// parseCommand splits text into its command and the remainder after the
// command token. The token is matched case-insensitively and a trailing
// @botname is ignored.
func parseCommand(text string) (Command, string, string) {
	text = strings.TrimSpace(text)
	token, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		token, rest = text[:i], text[i:]
	}

	token = strings.ToLower(token)
	if at := strings.IndexByte(token, '@'); at > 0 {
		token = token[:at]
	}

	return commandTokens[token], token, strings.TrimSpace(rest)
}

type request struct {
	message *tgbotapi.Message
	token   string
	prompt  string
	logger  *zap.Logger

	// models is the backend's list as seen by the gating check.
	models []string
}

type commandSpec struct {
	handler     func(r *Router, ctx context.Context, req request) error
	needsPrompt bool
	needsLLM    bool
	// needsModel requires Config.PromptModel itself, not just any model.
	needsModel bool
}

var dispatch = map[Command]commandSpec{
	CommandPrompt:  {handler: (*Router).handlePrompt, needsPrompt: true, needsLLM: true, needsModel: true},
	CommandStatus:  {handler: (*Router).handleStatus},
	CommandModels:  {handler: (*Router).handleModels, needsLLM: true},
	CommandHelp:    {handler: (*Router).handleHelp},
	CommandUnknown: {handler: (*Router).handleUnknown},
}

// Router executes commands. Handlers reply on their own and return only the
// errors that should reach the failure boundary.
type Router struct {
	sender  Sender
	store   storage.Storage
	gateway llm.Gateway
	sup     *tasks.Supervisor
	cfg     Config
	logger  *zap.Logger
}

func NewRouter(sender Sender, store storage.Storage, gateway llm.Gateway, sup *tasks.Supervisor, cfg Config, logger *zap.Logger) *Router {
	return &Router{
		sender:  sender,
		store:   store,
		gateway: gateway,
		sup:     sup,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("router"),
	}
}

// Route runs the command in message.Text.
func (r *Router) Route(ctx context.Context, message *tgbotapi.Message) error {
	cmd, token, prompt := parseCommand(message.Text)
	spec, ok := dispatch[cmd]
	if !ok {
		spec = dispatch[CommandUnknown]
	}

	req := request{
		message: message,
		token:   token,
		prompt:  prompt,
		logger:  loggerFrom(ctx, r.logger).With(zap.Stringer("command", cmd)),
	}
	req.logger.Debug("Routing command")

	if spec.needsPrompt && req.prompt == "" {
		return r.reply(message.Chat.ID, replyNoPrompt)
	}

	if spec.needsLLM {
		models, ready, err := r.ensureModels(ctx, req, spec.needsModel)
		if err != nil || !ready {
			return err
		}
		req.models = models
	}

	return spec.handler(r, ctx, req)
}

// ensureModels is the gating check for commands that call the backend. When
// no model is available it starts a background pull of the default model and
// tells the user to wait. With needModel set the prompt model must be listed
// too, and a missing one is pulled the same way.
func (r *Router) ensureModels(ctx context.Context, req request, needModel bool) ([]string, bool, error) {
	models, err := r.gateway.ListModels(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("gating check: %w", err)
	}

	var model string
	switch {
	case len(models) == 0:
		model = r.cfg.DefaultModel
	case needModel && !llm.HasModel(models, r.cfg.PromptModel):
		model = r.cfg.PromptModel
	default:
		return models, true, nil
	}

	if tasks.SubmitPull(r.gateway, r.sup, model, r.cfg.PullTimeout) {
		req.logger.Info("Model not available, pulling it", zap.String("model", model))
	} else {
		req.logger.Info("Model pull already in progress", zap.String("model", model))
	}

	return nil, false, r.reply(req.message.Chat.ID, fmt.Sprintf(replyPulling, model))
}

func (r *Router) handlePrompt(ctx context.Context, req request) error {
	chatID := req.message.Chat.ID
	if err := r.reply(chatID, replyProcessing); err != nil {
		return err
	}

	resp, err := r.gateway.Prompt(ctx, r.cfg.PromptModel, req.prompt)
	if err != nil {
		return fmt.Errorf("prompt %s: %w", r.cfg.PromptModel, err)
	}

	req.logger.Info("Prompt answered",
		zap.String("model", resp.Model),
		zap.Int("prompt_length", len(req.prompt)),
		zap.Int("answer_length", len(resp.Message.Content)))

	return r.replyMarkdown(chatID, req.message.MessageID, markdown.Escape(resp.Message.Content))
}

func (r *Router) handleStatus(ctx context.Context, req request) error {
	chats, err := r.store.CountChats(ctx)
	if err != nil {
		return err
	}
	users, err := r.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	return r.reply(req.message.Chat.ID, fmt.Sprintf(replyStatus, chats, users))
}

func (r *Router) handleModels(ctx context.Context, req request) error {
	models := req.models
	if len(models) == 0 {
		return r.reply(req.message.Chat.ID, replyNoModels)
	}

	var b strings.Builder
	b.WriteString("*Available models:*\n")
	for _, m := range models {
		b.WriteString("• ")
		b.WriteString(markdown.Escape(m))
		b.WriteString("\n")
	}
	return r.replyMarkdown(req.message.Chat.ID, 0, b.String())
}

func (r *Router) handleHelp(ctx context.Context, req request) error {
	return r.reply(req.message.Chat.ID, helpText)
}

func (r *Router) handleUnknown(ctx context.Context, req request) error {
	req.logger.Debug("Unknown command", zap.String("token", req.token))
	return r.reply(req.message.Chat.ID, fmt.Sprintf(replyUnknown, req.token))
}

func (r *Router) reply(chatID int64, text string) error {
	if _, err := r.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send message to chat %d: %w", chatID, err)
	}
	return nil
}

func (r *Router) replyMarkdown(chatID int64, replyToID int, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = markdown.ParseMode
	msg.ReplyToMessageID = replyToID
	if _, err := r.sender.Send(msg); err != nil {
		return fmt.Errorf("send markdown message to chat %d: %w", chatID, err)
	}
	return nil
}
