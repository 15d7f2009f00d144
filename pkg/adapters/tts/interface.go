package tts

import (
	"context"
	"encoding/base64"
)

// Synthesizer defines the contract for any TTS vendor implementation.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Synthesize renders text. A nil Audio means no audio is available and
	// the client should fall back to local speech.
	Synthesize(ctx context.Context, text string) (*Audio, error)
}

// Audio is a rendered reply.
type Audio struct {
	Data       []byte
	Format     string
	SampleRate int
}

// Base64 encodes the clip for JSON transport.
func (a *Audio) Base64() string {
	if a == nil || len(a.Data) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(a.Data)
}

// Empty reports whether the clip has no payload.
func (a *Audio) Empty() bool { return a == nil || len(a.Data) == 0 }

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	SampleRate int
	Format     string
}
