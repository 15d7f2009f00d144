// Package gemini adapts Google's Gemini API to llm.Generator.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/llm"
	"github.com/harunnryd/hrcall/pkg/metrics"
	"github.com/harunnryd/hrcall/pkg/resilience"
)

const DefaultModel = "gemini-2.0-flash"

type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Observer metrics.Observer
}

type Generator struct {
	client *genai.Client
	cfg    Config
}

func New(ctx context.Context, cfg Config) (*Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	return &Generator{client: client, cfg: cfg}, nil
}

func (g *Generator) Name() string { return "gemini" }

func (g *Generator) GenerateReply(ctx context.Context, intent string, transcript []call.Turn) (string, error) {
	return g.complete(ctx, llm.SystemPrompt, llm.ReplyMessages(intent, transcript), llm.ReplyMaxTokens)
}

func (g *Generator) GenerateSummary(ctx context.Context, transcript []call.Turn) (string, error) {
	return g.complete(ctx, "", llm.SummaryMessages(transcript), llm.SummaryMaxTokens)
}

func (g *Generator) complete(ctx context.Context, system string, msgs []llm.Message, maxTokens int) (string, error) {
	config := &genai.GenerateContentConfig{MaxOutputTokens: int32(maxTokens)}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, toContents(msgs), config)
	if err != nil {
		return "", wrapError(err)
	}
	if u := resp.UsageMetadata; u != nil {
		llm.RecordUsage(ctx, g.cfg.Observer, g.Name(), llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		})
	}
	return strings.TrimSpace(resp.Text()), nil
}

func toContents(msgs []llm.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		if m.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}
	return out
}

func wrapError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted") || strings.Contains(msg, "resource_exhausted") {
		return resilience.RateLimitError{Provider: "gemini", Message: "rate limited"}
	}
	return fmt.Errorf("gemini: %w", err)
}

var _ llm.Generator = (*Generator)(nil)
