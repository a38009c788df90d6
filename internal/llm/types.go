package llm

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBackendUnreachable covers transport failures and non-2xx answers.
	ErrBackendUnreachable = errors.New("llm backend unreachable")
	// ErrModelUnavailable means no listed model matches the requested name.
	ErrModelUnavailable = errors.New("model not available")
)

const (
	ProtocolNative = "native"
	ProtocolOpenAI = "openai"

	RoleSystem = "system"
	RoleUser   = "user"
)

// DefaultSystemPrompt keeps answers short and renderable in a chat window.
const DefaultSystemPrompt = "You are an assistant in a Telegram chat. Answer briefly, clearly and to the point. " +
	"Avoid long introductions and filler. Use Markdown appropriate for Telegram."

// Gateway is the subset of the backend the bot depends on.
type Gateway interface {
	ListModels(ctx context.Context) ([]string, error)
	PullModel(ctx context.Context, name string) (bool, error)
	Prompt(ctx context.Context, model, text string) (*ChatResponse, error)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is a single non-streamed completion. Durations are reported
// by the backend in nanoseconds.
type ChatResponse struct {
	Model              string        `json:"model"`
	CreatedAt          time.Time     `json:"created_at"`
	Message            Message       `json:"message"`
	Done               bool          `json:"done"`
	TotalDuration      time.Duration `json:"total_duration"`
	LoadDuration       time.Duration `json:"load_duration"`
	PromptEvalCount    int           `json:"prompt_eval_count"`
	PromptEvalDuration time.Duration `json:"prompt_eval_duration"`
	EvalCount          int           `json:"eval_count"`
	EvalDuration       time.Duration `json:"eval_duration"`
}

type ModelInfo struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

type modelList struct {
	Models []ModelInfo `json:"models"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Stream   bool      `json:"stream"`
	Messages []Message `json:"messages"`
}

type modelRequest struct {
	Model string `json:"model"`
}

type pullProgress struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}
