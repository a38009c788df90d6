package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// chatOpenAI sends the completion through Ollama's OpenAI-compatible endpoint.
func (c *Client) chatOpenAI(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	c.logger.Debug("Sending prompt via OpenAI API", zap.String("model", model), zap.Int("messages", len(messages)))

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	start := time.Now()
	resp, err := c.openai.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: chat completion: %w", ErrBackendUnreachable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: chat completion returned no choices", ErrBackendUnreachable)
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		Model:     resp.Model,
		CreatedAt: time.Unix(resp.Created, 0).UTC(),
		Message: Message{
			Role:    choice.Message.Role,
			Content: choice.Message.Content,
		},
		Done:            choice.FinishReason != "",
		TotalDuration:   time.Since(start),
		PromptEvalCount: resp.Usage.PromptTokens,
		EvalCount:       resp.Usage.CompletionTokens,
	}, nil
}
