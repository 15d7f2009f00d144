// Package mock provides deterministic adapters for local runs and tests.
package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/hrcall/pkg/adapters/stt"
	"github.com/harunnryd/hrcall/pkg/audio"
)

type STTConfig struct {
	// Transcripts are returned in order, one per utterance.
	Transcripts []string `mapstructure:"transcripts"`
	// Fallback is returned once the queue is exhausted.
	Fallback string `mapstructure:"fallback"`
	// MinRMS treats quieter segments as silence.
	MinRMS float64 `mapstructure:"min_rms"`
}

type Transcriber struct {
	mu    sync.Mutex
	queue []string
	cfg   STTConfig
	calls int
}

func NewTranscriber(cfg STTConfig) *Transcriber {
	if cfg.Fallback == "" && len(cfg.Transcripts) == 0 {
		cfg.Fallback = "mock transcript"
	}
	queue := make([]string, len(cfg.Transcripts))
	copy(queue, cfg.Transcripts)
	return &Transcriber{cfg: cfg, queue: queue}
}

func (t *Transcriber) Name() string { return "mock_stt" }

func (t *Transcriber) Transcribe(ctx context.Context, seg audio.Segment) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if seg.Empty() || audio.RMS(seg.PCM) < t.cfg.MinRMS {
		return "", nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if len(t.queue) == 0 {
		return t.cfg.Fallback, nil
	}
	next := t.queue[0]
	t.queue = t.queue[1:]
	return next, nil
}

// Calls reports how many non-silent segments were transcribed.
func (t *Transcriber) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

var _ stt.Transcriber = (*Transcriber)(nil)
