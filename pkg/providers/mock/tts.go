package mock

import (
	"context"
	"time"

	"github.com/harunnryd/hrcall/pkg/adapters/tts"
	"github.com/harunnryd/hrcall/pkg/audio"
)

type TTSConfig struct {
	// Silent renders a short silent clip instead of no audio.
	Silent     bool `mapstructure:"silent"`
	SampleRate int  `mapstructure:"sample_rate"`
	DurationMS int  `mapstructure:"duration_ms"`
}

type Synthesizer struct {
	cfg TTSConfig
}

func NewSynthesizer(cfg TTSConfig) *Synthesizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.DurationMS == 0 {
		cfg.DurationMS = 200
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string) (*tts.Audio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.cfg.Silent || text == "" {
		return nil, nil
	}
	pcm := audio.Silence(time.Duration(s.cfg.DurationMS)*time.Millisecond, s.cfg.SampleRate)
	return &tts.Audio{Data: pcm, Format: "pcm", SampleRate: s.cfg.SampleRate}, nil
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
