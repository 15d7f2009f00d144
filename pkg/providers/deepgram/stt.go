package deepgram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/hrcall/pkg/adapters/stt"
	"github.com/harunnryd/hrcall/pkg/audio"
	"github.com/harunnryd/hrcall/pkg/logging"
	"github.com/harunnryd/hrcall/pkg/redact"
	"github.com/harunnryd/hrcall/pkg/resilience"
)

type Config struct {
	APIKey     string
	Model      string
	Language   string
	Encoding   string
	SampleRate int
	// Settle is how long to wait for further results after the last
	// final transcript once all audio was sent.
	Settle time.Duration
}

// Transcriber opens one live Deepgram stream per captured utterance,
// sends the audio, asks for finalization and collects final results.
type Transcriber struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Transcriber {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 800 * time.Millisecond
	}
	return &Transcriber{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (t *Transcriber) Name() string { return "deepgram" }

func (t *Transcriber) Transcribe(ctx context.Context, seg audio.Segment) (string, error) {
	if seg.Empty() {
		return "", nil
	}
	rate := seg.SampleRate
	if rate <= 0 {
		rate = t.cfg.SampleRate
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clientOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:       t.cfg.Model,
		Language:    t.cfg.Language,
		Encoding:    t.cfg.Encoding,
		SampleRate:  rate,
		Channels:    1,
		SmartFormat: true,
		Punctuate:   true,
	}

	cb := newCollector(t.logger)
	dg, err := client.NewWSUsingCallback(ctx, t.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		return "", fmt.Errorf("deepgram client: %w", err)
	}
	if connected := dg.Connect(); !connected {
		return "", errors.New("deepgram connection failed")
	}
	defer dg.Stop()

	if err := dg.Stream(bytes.NewReader(seg.PCM)); err != nil && ctx.Err() == nil {
		return "", fmt.Errorf("deepgram stream: %w", err)
	}
	if err := dg.WriteJSON(map[string]string{"type": "Finalize"}); err != nil {
		t.logger.Debug("deepgram_finalize_failed", slog.String("error", err.Error()))
	}

	text, err := cb.wait(ctx, t.cfg.Settle)
	if err != nil {
		return "", err
	}
	t.logger.Debug("deepgram_transcript",
		slog.String("text", redact.Text(text)),
		slog.Float64("audio_seconds", seg.Duration().Seconds()))
	return text, nil
}

// collector gathers final results from the callback goroutine.
type collector struct {
	mu      sync.Mutex
	finals  []string
	err     error
	updated chan struct{}
	ended   chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func newCollector(logger *slog.Logger) *collector {
	return &collector{
		updated: make(chan struct{}, 1),
		ended:   make(chan struct{}),
		logger:  logger,
	}
}

// wait returns the joined final transcript once the stream went quiet for
// settle, signalled utterance end, or failed.
func (c *collector) wait(ctx context.Context, settle time.Duration) (string, error) {
	timer := time.NewTimer(settle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.updated:
			timer.Reset(settle)
		case <-c.ended:
			return c.result()
		case <-timer.C:
			return c.result()
		}
	}
}

func (c *collector) result() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil && len(c.finals) == 0 {
		return "", c.err
	}
	return strings.Join(c.finals, " "), nil
}

func (c *collector) finish() {
	c.once.Do(func() { close(c.ended) })
}

func (c *collector) poke() {
	select {
	case c.updated <- struct{}{}:
	default:
	}
}

func (c *collector) Open(or *msginterfaces.OpenResponse) error {
	c.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *collector) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if mr.IsFinal && text != "" {
		c.mu.Lock()
		c.finals = append(c.finals, text)
		c.mu.Unlock()
	}
	c.poke()
	return nil
}

func (c *collector) Metadata(md *msginterfaces.MetadataResponse) error {
	c.logger.Debug("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (c *collector) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *collector) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.finish()
	return nil
}

func (c *collector) Close(cr *msginterfaces.CloseResponse) error {
	c.finish()
	return nil
}

func (c *collector) Error(er *msginterfaces.ErrorResponse) error {
	c.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	var err error = fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg)
	if strings.Contains(er.ErrMsg, "429") || strings.Contains(strings.ToLower(er.ErrMsg), "rate limit") {
		err = resilience.RateLimitError{Provider: "deepgram", Message: er.ErrMsg}
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.finish()
	return nil
}

func (c *collector) UnhandledEvent(byData []byte) error {
	c.logger.Debug("deepgram_unhandled_event", slog.Int("size_bytes", len(byData)))
	return nil
}

var (
	_ stt.Transcriber                   = (*Transcriber)(nil)
	_ msginterfaces.LiveMessageCallback = (*collector)(nil)
)
