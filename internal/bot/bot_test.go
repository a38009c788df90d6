package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/chatbot-api/internal/llm"
	"github.com/xaenox/chatbot-api/internal/models"
	"github.com/xaenox/chatbot-api/internal/storage"
	"github.com/xaenox/chatbot-api/internal/tasks"
	"go.uber.org/zap/zaptest"
)

type sentMessage struct {
	chatID    int64
	text      string
	parseMode string
}

type fakeAPI struct {
	mu      sync.Mutex
	sent    []sentMessage
	sendErr error

	updates chan tgbotapi.Update
	stopped atomic.Bool
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: msg.ChatID, text: msg.Text, parseMode: msg.ParseMode})
	return tgbotapi.Message{}, f.sendErr
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.stopped.Store(true)
}

func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.text)
	}
	return out
}

type fakeGateway struct {
	mu        sync.Mutex
	models    []string
	answer    string
	listErr   error
	promptErr error
	panicOn   string

	listCalls   atomic.Int32
	promptCalls atomic.Int32
	pulled      []string
}

func (g *fakeGateway) ListModels(ctx context.Context) ([]string, error) {
	g.listCalls.Add(1)
	return g.models, g.listErr
}

func (g *fakeGateway) PullModel(ctx context.Context, name string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pulled = append(g.pulled, name)
	return true, nil
}

func (g *fakeGateway) Prompt(ctx context.Context, model, text string) (*llm.ChatResponse, error) {
	g.promptCalls.Add(1)
	if g.panicOn != "" && text == g.panicOn {
		panic("gateway exploded")
	}
	if g.promptErr != nil {
		return nil, g.promptErr
	}
	return &llm.ChatResponse{Model: model, Message: llm.Message{Role: "assistant", Content: g.answer}, Done: true}, nil
}

func (g *fakeGateway) pulls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.pulled...)
}

type harness struct {
	bot     *Bot
	api     *fakeAPI
	gateway *fakeGateway
	store   *storage.MemoryStorage
	sup     *tasks.Supervisor
}

func newHarness(t *testing.T, gw *fakeGateway) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	api := &fakeAPI{updates: make(chan tgbotapi.Update)}
	store := storage.NewMemoryStorage()
	sup := tasks.NewSupervisor(logger)
	t.Cleanup(sup.Wait)

	return &harness{
		bot:     New(api, store, gw, sup, Config{DefaultModel: "mistral", PromptModel: "mistral:latest"}, logger),
		api:     api,
		gateway: gw,
		store:   store,
		sup:     sup,
	}
}

func textUpdate(userID, chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: 1,
		Message: &tgbotapi.Message{
			MessageID: 7,
			From:      &tgbotapi.User{ID: userID, UserName: "alice", FirstName: "Alice"},
			Chat:      &tgbotapi.Chat{ID: chatID, Type: "private"},
			Date:      int(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Unix()),
			Text:      text,
		},
	}
}

func TestHandleUpdate_PlainMessagePersistsAndInstructs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeGateway{})
	h.bot.HandleUpdate(context.Background(), textUpdate(42, 100, "hello"))

	u, ok := h.store.User(42)
	if !ok || u.Username == nil || *u.Username != "alice" {
		t.Fatalf("expected user 42 to be stored, got %+v", u)
	}
	c, ok := h.store.Chat(100)
	if !ok || c.Title != models.UntitledChat {
		t.Fatalf("expected chat 100 with placeholder title, got %+v", c)
	}
	msgs := h.store.Messages()
	if len(msgs) != 1 || msgs[0].Text == nil || *msgs[0].Text != "hello" {
		t.Fatalf("expected one stored message, got %+v", msgs)
	}
	if msgs[0].ChatID != c.ID || msgs[0].FromUserID != u.ID {
		t.Fatalf("message not linked to its chat and user: %+v", msgs[0])
	}

	if got := h.api.texts(); len(got) != 1 || got[0] != replyPlainMessage {
		t.Fatalf("unexpected replies %q", got)
	}
	if n := h.gateway.listCalls.Load(); n != 0 {
		t.Fatalf("expected no backend calls, got %d", n)
	}
}

func TestHandleUpdate_Status(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeGateway{})
	ctx := context.Background()
	for i := int64(0); i < 3; i++ {
		if _, err := h.store.UpsertChat(ctx, &models.Chat{TelegramID: 100 + i, Type: models.ChatGroup, Title: "g"}); err != nil {
			t.Fatal(err)
		}
	}
	for i := int64(0); i < 5; i++ {
		if _, err := h.store.UpsertUser(ctx, &models.User{TelegramID: 42 + i}); err != nil {
			t.Fatal(err)
		}
	}

	h.bot.HandleUpdate(ctx, textUpdate(42, 100, "/status"))

	got := h.api.texts()
	if len(got) != 1 || got[0] != "Total chats: 3, Total users: 5" {
		t.Fatalf("unexpected replies %q", got)
	}
	if n := h.gateway.listCalls.Load(); n != 0 {
		t.Fatalf("status must bypass the gating check, got %d list calls", n)
	}
}

func TestHandleUpdate_UnknownCommand(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeGateway{models: []string{"mistral:latest"}})
	h.bot.HandleUpdate(context.Background(), textUpdate(42, 100, "/bogus"))

	got := h.api.texts()
	want := "Unknown command: /bogus. Available commands: /, /ollama, /status, /models, /help"
	if len(got) != 1 || got[0] != want {
		t.Fatalf("unexpected replies %q", got)
	}
	if h.gateway.listCalls.Load() != 0 || h.gateway.promptCalls.Load() != 0 {
		t.Fatal("unknown command must not reach the backend")
	}
	if n := len(h.store.Messages()); n != 1 {
		t.Fatalf("expected only the inbound message to be stored, got %d", n)
	}
}

func TestHandleUpdate_EmptyPrompt(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"/", "/ollama", "/   "} {
		text := text
		t.Run(text, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, &fakeGateway{models: []string{"mistral:latest"}})
			h.bot.HandleUpdate(context.Background(), textUpdate(42, 100, text))

			got := h.api.texts()
			if len(got) != 1 || got[0] != replyNoPrompt {
				t.Fatalf("unexpected replies %q", got)
			}
			if h.gateway.listCalls.Load() != 0 || h.gateway.promptCalls.Load() != 0 {
				t.Fatal("empty prompt must not reach the backend")
			}
		})
	}
}

func TestHandleUpdate_PromptAnswered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeGateway{models: []string{"mistral:latest"}, answer: "Hello_World!"})
	h.bot.HandleUpdate(context.Background(), textUpdate(42, 100, "/ say hi"))

	h.api.mu.Lock()
	sent := append([]sentMessage(nil), h.api.sent...)
	h.api.mu.Unlock()

	if len(sent) != 2 {
		t.Fatalf("expected acknowledgment and answer, got %+v", sent)
	}
	if sent[0].text != replyProcessing {
		t.Fatalf("expected processing acknowledgment first, got %q", sent[0].text)
	}
	if sent[1].text != `Hello\_World\!` || sent[1].parseMode != "MarkdownV2" {
		t.Fatalf("unexpected answer %+v", sent[1])
	}
	if n := h.gateway.promptCalls.Load(); n != 1 {
		t.Fatalf("expected one prompt call, got %d", n)
	}
}

func TestHandleUpdate_PromptWithoutModelsPullsDefault(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeGateway{})
	h.bot.HandleUpdate(context.Background(), textUpdate(42, 100, "/ollama what is go?"))
	h.sup.Wait()

	got := h.api.texts()
	if len(got) != 1 || got[0] != "Pulling model mistral, please wait..." {
		t.Fatalf("unexpected replies %q", got)
	}
	if pulls := h.gateway.pulls(); len(pulls) != 1 || pulls[0] != "mistral" {
		t.Fatalf("expected one pull of mistral, got %v", pulls)
	}
	if n := h.gateway.promptCalls.Load(); n != 0 {
		t.Fatalf("expected no completion request, got %d", n)
	}
}

func TestHandleUpdate_PromptModelMissingPullsIt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeGateway{models: []string{"llama3:8b"}})
	h.bot.HandleUpdate(context.Background(), textUpdate(42, 100, "/ what is go?"))
	h.sup.Wait()

	got := h.api.texts()
	if len(got) != 1 || got[0] != "Pulling model mistral:latest, please wait..." {
		t.Fatalf("unexpected replies %q", got)
	}
	if pulls := h.gateway.pulls(); len(pulls) != 1 || pulls[0] != "mistral:latest" {
		t.Fatalf("expected one pull of mistral:latest, got %v", pulls)
	}
	if n := h.gateway.promptCalls.Load(); n != 0 {
		t.Fatalf("expected no completion request, got %d", n)
	}
}

func TestHandleUpdate_ModelsCommand(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeGateway{models: []string{"mistral:latest", "llama3.1:8b"}})
	h.bot.HandleUpdate(context.Background(), textUpdate(42, 100, "/models"))

	got := h.api.texts()
	if len(got) != 1 || !strings.Contains(got[0], `llama3\.1:8b`) || !strings.Contains(got[0], "mistral:latest") {
		t.Fatalf("unexpected replies %q", got)
	}
	if n := h.gateway.listCalls.Load(); n != 1 {
		t.Fatalf("expected the model list to be fetched once, got %d", n)
	}
}

func TestHandleUpdate_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		gateway *fakeGateway
		ctx     func() context.Context
		text    string
		want    string
		stored  int
	}{
		{
			name:    "backend unreachable",
			gateway: &fakeGateway{listErr: llm.ErrBackendUnreachable},
			ctx:     context.Background,
			text:    "/ hi",
			want:    "⚠️ " + replyFailure,
			stored:  1,
		},
		{
			name:    "model unavailable",
			gateway: &fakeGateway{models: []string{"mistral:latest"}, promptErr: llm.ErrModelUnavailable},
			ctx:     context.Background,
			text:    "/ hi",
			want:    "⚠️ " + replyFailure,
			stored:  1,
		},
		{
			name:    "panic in handler",
			gateway: &fakeGateway{models: []string{"mistral:latest"}, panicOn: "boom"},
			ctx:     context.Background,
			text:    "/ boom",
			want:    "⚠️ " + replyFailure,
			stored:  1,
		},
		{
			name:    "cancelled",
			gateway: &fakeGateway{},
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			text:   "hello",
			want:   replyCancelled,
			stored: 0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, tt.gateway)
			h.bot.HandleUpdate(tt.ctx(), textUpdate(42, 100, tt.text))

			got := h.api.texts()
			if len(got) == 0 || got[len(got)-1] != tt.want {
				t.Fatalf("unexpected replies %q, want last %q", got, tt.want)
			}
			if n := len(h.store.Messages()); n != tt.stored {
				t.Fatalf("expected %d stored messages, got %d", tt.stored, n)
			}
		})
	}
}

func TestHandleUpdate_IgnoresEmptyUpdates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeGateway{})
	ctx := context.Background()

	h.bot.HandleUpdate(ctx, tgbotapi.Update{UpdateID: 1})
	h.bot.HandleUpdate(ctx, tgbotapi.Update{UpdateID: 2, Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1, Type: "private"}, Text: "hi"}})
	h.bot.HandleUpdate(ctx, textUpdate(42, 100, ""))

	if got := h.api.texts(); len(got) != 0 {
		t.Fatalf("expected no replies, got %q", got)
	}
	if n, _ := h.store.CountUsers(ctx); n != 0 {
		t.Fatalf("expected no users, got %d", n)
	}
}

func TestHandleUpdate_UnknownChatKind(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeGateway{})
	update := textUpdate(42, 100, "hello")
	update.Message.Chat.Type = "forum"

	h.bot.HandleUpdate(context.Background(), update)

	got := h.api.texts()
	if len(got) != 1 || got[0] != "⚠️ "+replyFailure {
		t.Fatalf("unexpected replies %q", got)
	}
	if n := len(h.store.Messages()); n != 0 {
		t.Fatalf("expected no stored message, got %d", n)
	}
}

func TestRun_ContinuesAfterFailedUpdate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeGateway{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx) }()

	bad := textUpdate(42, 100, "hello")
	bad.Message.Chat.Type = "forum"
	h.api.updates <- bad
	h.api.updates <- textUpdate(43, 101, "hello")

	deadline := time.Now().Add(5 * time.Second)
	for len(h.store.Messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("second update was not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	if !h.api.stopped.Load() {
		t.Fatal("expected the update poller to be stopped")
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text       string
		wantCmd    Command
		wantToken  string
		wantPrompt string
	}{
		{text: "/ hello world", wantCmd: CommandPrompt, wantToken: "/", wantPrompt: "hello world"},
		{text: "/OLLAMA  Why?", wantCmd: CommandPrompt, wantToken: "/ollama", wantPrompt: "Why?"},
		{text: "/ollama\nmulti\nline", wantCmd: CommandPrompt, wantToken: "/ollama", wantPrompt: "multi\nline"},
		{text: "/status@my_bot", wantCmd: CommandStatus, wantToken: "/status"},
		{text: "/Status", wantCmd: CommandStatus, wantToken: "/status"},
		{text: "/start", wantCmd: CommandHelp, wantToken: "/start"},
		{text: "/models", wantCmd: CommandModels, wantToken: "/models"},
		{text: "/bogus arg", wantCmd: CommandUnknown, wantToken: "/bogus", wantPrompt: "arg"},
		{text: "/", wantCmd: CommandPrompt, wantToken: "/"},
	}

	for _, tt := range tests {
		tt := tt
		cmd, token, prompt := parseCommand(tt.text)
		if cmd != tt.wantCmd || token != tt.wantToken || prompt != tt.wantPrompt {
			t.Errorf("parseCommand(%q) = %v, %q, %q; want %v, %q, %q",
				tt.text, cmd, token, prompt, tt.wantCmd, tt.wantToken, tt.wantPrompt)
		}
	}
}

func TestDispatchIsTotal(t *testing.T) {
	t.Parallel()

	for _, cmd := range []Command{CommandUnknown, CommandPrompt, CommandStatus, CommandModels, CommandHelp} {
		if _, ok := dispatch[cmd]; !ok {
			t.Errorf("no handler for %v", cmd)
		}
	}
}
