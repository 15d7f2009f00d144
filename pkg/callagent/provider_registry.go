package callagent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/hrcall/pkg/adapters/stt"
	"github.com/harunnryd/hrcall/pkg/adapters/tts"
	"github.com/harunnryd/hrcall/pkg/llm"
	"github.com/harunnryd/hrcall/pkg/metrics"
)

type STTFactory func(cfg Config) (stt.Transcriber, error)
type TTSFactory func(cfg Config) (tts.Synthesizer, error)
type LLMFactory func(ctx context.Context, cfg Config, obs metrics.Observer) (llm.Generator, error)

type ProviderRegistry struct {
	stt map[string]STTFactory
	tts map[string]TTSFactory
	llm map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactory),
		tts: make(map[string]TTSFactory),
		llm: make(map[string]LLMFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) BuildSTT(cfg Config) (stt.Transcriber, error) {
	fn := r.stt[normalizeProvider(cfg.Vendors.STT.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", cfg.Vendors.STT.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTTS(cfg Config) (tts.Synthesizer, error) {
	fn := r.tts[normalizeProvider(cfg.Vendors.TTS.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", cfg.Vendors.TTS.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(ctx context.Context, cfg Config, obs metrics.Observer) (llm.Generator, error) {
	fn := r.llm[normalizeProvider(cfg.Vendors.LLM.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", cfg.Vendors.LLM.Provider)
	}
	return fn(ctx, cfg, obs)
}

// Names lists registered providers per kind, sorted.
func (r *ProviderRegistry) Names() (sttNames, llmNames, ttsNames []string) {
	return sortedKeys(r.stt), sortedKeys(r.llm), sortedKeys(r.tts)
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
