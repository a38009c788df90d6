package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type Config struct {
	BaseURL      string
	Protocol     string
	SystemPrompt string
	Timeout      time.Duration
}

// Client talks to an Ollama server. Model management always uses the native
// API; completions use either the native /api/chat endpoint or the
// OpenAI-compatible /v1 endpoint.
type Client struct {
	baseURL      string
	systemPrompt string
	httpClient   *http.Client
	streamClient *http.Client
	openai       *openai.Client
	logger       *zap.Logger
}

var _ Gateway = (*Client)(nil)

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}

	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		systemPrompt: cfg.SystemPrompt,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		// pulls run longer than any request timeout; the caller's context bounds them
		streamClient: &http.Client{},
		logger:       logger.Named("llm"),
	}

	if cfg.Protocol == ProtocolOpenAI {
		oc := openai.DefaultConfig("ollama")
		oc.BaseURL = c.baseURL + "/v1"
		oc.HTTPClient = c.httpClient
		c.openai = openai.NewClientWithConfig(oc)
	}

	return c
}

// ListModels returns the names of the models downloaded on the backend.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("%w: decode model list: %w", ErrBackendUnreachable, err)
	}

	names := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		names = append(names, m.Name)
	}

	c.logger.Debug("Listed models", zap.Strings("models", names))
	return names, nil
}

// PullModel asks the backend to download a model. The returned flag reports
// whether the backend accepted the request. The progress stream is read to
// its end because the backend aborts a pull when the client disconnects;
// callers run this off the reply path.
func (c *Client) PullModel(ctx context.Context, name string) (bool, error) {
	resp, err := c.doWith(ctx, c.streamClient, http.MethodPost, "/api/pull", modelRequest{Model: name})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		c.logger.Warn("Pull request rejected", zap.String("model", name), zap.Error(err))
		return false, nil
	}

	c.logger.Info("Pull request accepted", zap.String("model", name))

	dec := json.NewDecoder(resp.Body)
	last := ""
	for {
		var p pullProgress
		if err := dec.Decode(&p); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return true, fmt.Errorf("%w: read pull progress: %w", ErrBackendUnreachable, err)
		}
		if p.Error != "" {
			return true, fmt.Errorf("pull %s: %s", name, p.Error)
		}
		if p.Status != last {
			c.logger.Debug("Pull progress", zap.String("model", name), zap.String("status", p.Status))
			last = p.Status
		}
	}

	c.logger.Info("Pull finished", zap.String("model", name), zap.String("status", last))
	return true, nil
}

// DeleteModel removes a model from the backend. A missing model is reported
// as false without an error.
func (c *Client) DeleteModel(ctx context.Context, name string) (bool, error) {
	resp, err := c.do(ctx, http.MethodDelete, "/api/delete", modelRequest{Model: name})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err := checkStatus(resp); err != nil {
		return false, err
	}
	return true, nil
}

// Prompt sends text to the first listed model whose name contains model.
// Substring matching lets "mistral" match "mistral:latest".
func (c *Client) Prompt(ctx context.Context, model, text string) (*ChatResponse, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	if !HasModel(models, model) {
		c.logger.Warn("Model is not available",
			zap.String("model", model),
			zap.Strings("available", models))
		return nil, fmt.Errorf("%w: %q, pull the model first", ErrModelUnavailable, model)
	}

	messages := []Message{
		{Role: RoleSystem, Content: c.systemPrompt},
		{Role: RoleUser, Content: text},
	}

	var resp *ChatResponse
	if c.openai != nil {
		resp, err = c.chatOpenAI(ctx, model, messages)
	} else {
		resp, err = c.chatNative(ctx, model, messages)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Info("Completion received",
		zap.String("model", resp.Model),
		zap.Int("prompt_tokens", resp.PromptEvalCount),
		zap.Int("completion_tokens", resp.EvalCount),
		zap.Duration("total_duration", resp.TotalDuration))

	return resp, nil
}

// HasModel reports whether some listed name contains model.
func HasModel(models []string, model string) bool {
	for _, m := range models {
		if strings.Contains(m, model) {
			return true
		}
	}
	return false
}

func (c *Client) chatNative(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	c.logger.Debug("Sending prompt", zap.String("model", model), zap.Int("messages", len(messages)))

	resp, err := c.do(ctx, http.MethodPost, "/api/chat", chatRequest{
		Model:    model,
		Stream:   false,
		Messages: messages,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode completion: %w", ErrBackendUnreachable, err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	return c.doWith(ctx, c.httpClient, method, path, body)
}

func (c *Client) doWith(ctx context.Context, client *http.Client, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrBackendUnreachable, method, path, err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: %s %s returned %d: %s",
		ErrBackendUnreachable, resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
