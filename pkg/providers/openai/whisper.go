package openai

import (
	"bytes"
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/hrcall/pkg/adapters/stt"
	"github.com/harunnryd/hrcall/pkg/audio"
)

type WhisperConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
}

// Transcriber sends each utterance as a WAV file to the transcription API.
type Transcriber struct {
	client *openai.Client
	cfg    WhisperConfig
}

func NewTranscriber(cfg WhisperConfig) (*Transcriber, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("whisper: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	return &Transcriber{client: newClient(cfg.APIKey, cfg.BaseURL), cfg: cfg}, nil
}

func (t *Transcriber) Name() string { return "whisper" }

func (t *Transcriber) Transcribe(ctx context.Context, seg audio.Segment) (string, error) {
	if seg.Empty() {
		return "", nil
	}
	wav := audio.WAV(seg.PCM, seg.SampleRate)
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.cfg.Model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(wav),
		Language: t.cfg.Language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", wrapError(err)
	}
	return strings.TrimSpace(resp.Text), nil
}

var _ stt.Transcriber = (*Transcriber)(nil)
