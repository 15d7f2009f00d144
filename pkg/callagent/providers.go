package callagent

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/hrcall/pkg/adapters/stt"
	"github.com/harunnryd/hrcall/pkg/adapters/tts"
	"github.com/harunnryd/hrcall/pkg/configutil"
	"github.com/harunnryd/hrcall/pkg/llm"
	"github.com/harunnryd/hrcall/pkg/metrics"
	"github.com/harunnryd/hrcall/pkg/providers/anthropic"
	"github.com/harunnryd/hrcall/pkg/providers/deepgram"
	"github.com/harunnryd/hrcall/pkg/providers/elevenlabs"
	"github.com/harunnryd/hrcall/pkg/providers/gemini"
	"github.com/harunnryd/hrcall/pkg/providers/mock"
	"github.com/harunnryd/hrcall/pkg/providers/openai"
)

type deepgramSettings struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
	Encoding string `mapstructure:"encoding"`
	SettleMS int    `mapstructure:"settle_ms"`
}

type whisperSettings struct {
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
}

type chatSettings struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

type elevenLabsSettings struct {
	APIKey       string  `mapstructure:"api_key"`
	VoiceID      string  `mapstructure:"voice_id"`
	ModelID      string  `mapstructure:"model_id"`
	OutputFormat string  `mapstructure:"output_format"`
	BaseURL      string  `mapstructure:"base_url"`
	Stability    float64 `mapstructure:"stability"`
	Similarity   float64 `mapstructure:"similarity"`
}

const sttSettingsPath = "vendors.stt.settings"

// DefaultProviders returns a registry with every bundled adapter.
func DefaultProviders() *ProviderRegistry {
	reg := NewProviderRegistry()
	RegisterDefaultProviders(reg)
	return reg
}

// RegisterDefaultProviders registers the bundled adapters on reg.
func RegisterDefaultProviders(reg *ProviderRegistry) {
	reg.RegisterSTT("deepgram", func(cfg Config) (stt.Transcriber, error) {
		var s deepgramSettings
		if err := configutil.Decode(cfg.Vendors.STT.Provider, cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "encoding", "settle_ms"},
		}, &s); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(s.APIKey, sttSettingsPath+".api_key"); err != nil {
			return nil, err
		}
		if s.Encoding != "" && s.Encoding != "linear16" {
			return nil, fmt.Errorf("%s.encoding must be linear16, got %s", sttSettingsPath, s.Encoding)
		}
		return deepgram.New(deepgram.Config{
			APIKey:     s.APIKey,
			Model:      s.Model,
			Language:   s.Language,
			Encoding:   s.Encoding,
			SampleRate: cfg.Audio.SampleRate,
			Settle:     time.Duration(s.SettleMS) * time.Millisecond,
		}), nil
	})

	reg.RegisterSTT("whisper", func(cfg Config) (stt.Transcriber, error) {
		var s whisperSettings
		if err := configutil.Decode(cfg.Vendors.STT.Provider, cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"base_url", "model", "language"},
		}, &s); err != nil {
			return nil, err
		}
		return openai.NewTranscriber(openai.WhisperConfig{
			APIKey:   s.APIKey,
			BaseURL:  s.BaseURL,
			Model:    s.Model,
			Language: s.Language,
		})
	})

	reg.RegisterSTT("mock", func(cfg Config) (stt.Transcriber, error) {
		var s mock.STTConfig
		if err := configutil.Decode(cfg.Vendors.STT.Provider, cfg.Vendors.STT.Settings, configutil.Schema{
			Optional: []string{"transcripts", "fallback", "min_rms"},
		}, &s); err != nil {
			return nil, err
		}
		return mock.NewTranscriber(s), nil
	})

	reg.RegisterLLM("anthropic", func(ctx context.Context, cfg Config, obs metrics.Observer) (llm.Generator, error) {
		var s chatSettings
		if err := configutil.Decode(cfg.Vendors.LLM.Provider, cfg.Vendors.LLM.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"base_url", "model"},
		}, &s); err != nil {
			return nil, err
		}
		return anthropic.New(anthropic.Config{APIKey: s.APIKey, BaseURL: s.BaseURL, Model: s.Model, Observer: obs})
	})

	reg.RegisterLLM("openai", func(ctx context.Context, cfg Config, obs metrics.Observer) (llm.Generator, error) {
		var s chatSettings
		if err := configutil.Decode(cfg.Vendors.LLM.Provider, cfg.Vendors.LLM.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"base_url", "model", "temperature"},
		}, &s); err != nil {
			return nil, err
		}
		return openai.NewGenerator(openai.Config{
			APIKey:      s.APIKey,
			BaseURL:     s.BaseURL,
			Model:       s.Model,
			Temperature: s.Temperature,
			Observer:    obs,
		})
	})

	reg.RegisterLLM("gemini", func(ctx context.Context, cfg Config, obs metrics.Observer) (llm.Generator, error) {
		var s chatSettings
		if err := configutil.Decode(cfg.Vendors.LLM.Provider, cfg.Vendors.LLM.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"base_url", "model"},
		}, &s); err != nil {
			return nil, err
		}
		return gemini.New(ctx, gemini.Config{APIKey: s.APIKey, BaseURL: s.BaseURL, Model: s.Model, Observer: obs})
	})

	reg.RegisterLLM("mock", func(ctx context.Context, cfg Config, obs metrics.Observer) (llm.Generator, error) {
		var s mock.LLMConfig
		if err := configutil.Decode(cfg.Vendors.LLM.Provider, cfg.Vendors.LLM.Settings, configutil.Schema{
			Optional: []string{"replies"},
		}, &s); err != nil {
			return nil, err
		}
		return mock.NewGenerator(s), nil
	})

	reg.RegisterTTS("elevenlabs", func(cfg Config) (tts.Synthesizer, error) {
		var s elevenLabsSettings
		if err := configutil.Decode(cfg.Vendors.TTS.Provider, cfg.Vendors.TTS.Settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "output_format", "base_url", "stability", "similarity"},
		}, &s); err != nil {
			return nil, err
		}
		return elevenlabs.New(elevenlabs.Config{
			APIKey:       s.APIKey,
			VoiceID:      s.VoiceID,
			ModelID:      s.ModelID,
			OutputFormat: s.OutputFormat,
			BaseURL:      s.BaseURL,
			Stability:    s.Stability,
			Similarity:   s.Similarity,
		})
	})

	reg.RegisterTTS("mock", func(cfg Config) (tts.Synthesizer, error) {
		var s mock.TTSConfig
		if err := configutil.Decode(cfg.Vendors.TTS.Provider, cfg.Vendors.TTS.Settings, configutil.Schema{
			Optional: []string{"silent", "sample_rate", "duration_ms"},
		}, &s); err != nil {
			return nil, err
		}
		if s.SampleRate == 0 {
			s.SampleRate = cfg.Audio.SampleRate
		}
		return mock.NewSynthesizer(s), nil
	})
}
