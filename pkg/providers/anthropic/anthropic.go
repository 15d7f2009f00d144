// Package anthropic adapts the Anthropic Messages API to llm.Generator.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/llm"
	"github.com/harunnryd/hrcall/pkg/metrics"
	"github.com/harunnryd/hrcall/pkg/resilience"
)

const DefaultModel = "claude-3-5-haiku-latest"

type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Observer metrics.Observer
}

type Generator struct {
	client anthropic.Client
	cfg    Config
}

func New(cfg Config) (*Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &Generator{client: anthropic.NewClient(options...), cfg: cfg}, nil
}

func (g *Generator) Name() string { return "anthropic" }

func (g *Generator) GenerateReply(ctx context.Context, intent string, transcript []call.Turn) (string, error) {
	return g.complete(ctx, llm.SystemPrompt, llm.ReplyMessages(intent, transcript), llm.ReplyMaxTokens)
}

func (g *Generator) GenerateSummary(ctx context.Context, transcript []call.Turn) (string, error) {
	return g.complete(ctx, "", llm.SummaryMessages(transcript), llm.SummaryMaxTokens)
}

func (g *Generator) complete(ctx context.Context, system string, msgs []llm.Message, maxTokens int) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.cfg.Model),
		Messages:  toMessages(msgs),
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	msg, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", wrapError(err)
	}
	llm.RecordUsage(ctx, g.cfg.Observer, g.Name(), llm.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	})
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func toMessages(msgs []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}

func wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "anthropic", Message: "rate limited"}
	}
	return fmt.Errorf("anthropic: %w", err)
}

var _ llm.Generator = (*Generator)(nil)
