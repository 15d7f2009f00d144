package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/llm"
)

type LLMConfig struct {
	// Replies override the generated text per call, in order.
	Replies []string `mapstructure:"replies"`
}

// Generator echoes the intent back so runs stay reproducible.
type Generator struct {
	mu  sync.Mutex
	cfg LLMConfig
	n   int
}

func NewGenerator(cfg LLMConfig) *Generator {
	return &Generator{cfg: cfg}
}

func (g *Generator) Name() string { return "mock_llm" }

func (g *Generator) GenerateReply(ctx context.Context, intent string, transcript []call.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.n < len(g.cfg.Replies) {
		reply := g.cfg.Replies[g.n]
		g.n++
		return reply, nil
	}
	g.n++
	return fmt.Sprintf("(mock) %s", intent), nil
}

func (g *Generator) GenerateSummary(ctx context.Context, transcript []call.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var agent, human int
	for _, t := range transcript {
		if t.Speaker == call.SpeakerAgent {
			agent++
		} else {
			human++
		}
	}
	return fmt.Sprintf("Mock summary: %d agent turns, %d HR turns.", agent, human), nil
}

var _ llm.Generator = (*Generator)(nil)
