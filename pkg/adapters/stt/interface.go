package stt

import (
	"context"

	"github.com/harunnryd/hrcall/pkg/audio"
)

// Transcriber defines the contract for any STT vendor implementation.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Transcribe converts one captured utterance to text. Silent or empty
	// input yields "" without error.
	Transcribe(ctx context.Context, seg audio.Segment) (string, error)
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	SampleRate int
	Language   string
}
