// Package openai adapts OpenAI chat completions and Whisper transcription.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/llm"
	"github.com/harunnryd/hrcall/pkg/metrics"
	"github.com/harunnryd/hrcall/pkg/resilience"
)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Observer    metrics.Observer
}

// Generator implements llm.Generator with chat completions.
type Generator struct {
	client *openai.Client
	cfg    Config
}

func NewGenerator(cfg Config) (*Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	return &Generator{client: newClient(cfg.APIKey, cfg.BaseURL), cfg: cfg}, nil
}

func newClient(apiKey, baseURL string) *openai.Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(config)
}

func (g *Generator) Name() string { return "openai" }

func (g *Generator) GenerateReply(ctx context.Context, intent string, transcript []call.Turn) (string, error) {
	return g.complete(ctx, llm.SystemPrompt, llm.ReplyMessages(intent, transcript), llm.ReplyMaxTokens)
}

func (g *Generator) GenerateSummary(ctx context.Context, transcript []call.Turn) (string, error) {
	return g.complete(ctx, "", llm.SummaryMessages(transcript), llm.SummaryMaxTokens)
}

func (g *Generator) complete(ctx context.Context, system string, msgs []llm.Message, maxTokens int) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    toChatMessages(system, msgs),
		MaxTokens:   maxTokens,
		Temperature: g.cfg.Temperature,
	}
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", wrapError(err)
	}
	llm.RecordUsage(ctx, g.cfg.Observer, g.Name(), llm.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	})
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func toChatMessages(system string, msgs []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		if m.Role == llm.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// wrapError maps HTTP 429 onto resilience.RateLimitError.
func wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "openai", Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "openai", Message: reqErr.Error()}
	}
	return fmt.Errorf("openai: %w", err)
}

var _ llm.Generator = (*Generator)(nil)
