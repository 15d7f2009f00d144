package llm

import (
	"context"

	"github.com/harunnryd/hrcall/pkg/metrics"
)

// RecordUsage reports token usage for one request. Call attribution comes
// from the context tags.
func RecordUsage(ctx context.Context, obs metrics.Observer, provider string, u Usage) {
	if obs == nil {
		return
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	metrics.Emit(ctx, obs, metrics.EventLLMUsage, float64(total),
		map[string]string{"provider": provider},
		map[string]any{"prompt_tokens": u.PromptTokens, "completion_tokens": u.CompletionTokens},
	)
}
