// Package sequencer drives one call per client connection: it listens to
// audio, detects turns and runs transcription, reply generation and speech
// synthesis strictly one turn at a time.
package sequencer

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/hrcall/pkg/adapters/stt"
	"github.com/harunnryd/hrcall/pkg/adapters/tts"
	"github.com/harunnryd/hrcall/pkg/errorsx"
	"github.com/harunnryd/hrcall/pkg/flow"
	"github.com/harunnryd/hrcall/pkg/llm"
	"github.com/harunnryd/hrcall/pkg/metrics"
	"github.com/harunnryd/hrcall/pkg/session"
	"github.com/harunnryd/hrcall/pkg/store"
	"github.com/harunnryd/hrcall/pkg/vad"
)

// Config holds per-call limits and detector settings.
type Config struct {
	SampleRate        int
	VAD               vad.Config
	Flow              flow.Config
	AdapterTimeout    time.Duration
	MaxTurn           time.Duration
	MaxCall           time.Duration
	PersistTimeout    time.Duration
	Retries           int
	RetryBackoff      time.Duration
	ReplyMaxSentences int
	ReplyMaxChars     int
	BreakerThreshold  int
	BreakerCooldown   time.Duration
	QueueSize         int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:        16000,
		VAD:               vad.Config{Threshold: vad.DefaultThreshold, HoldOffMS: vad.DefaultHoldOffMS},
		AdapterTimeout:    15 * time.Second,
		MaxTurn:           30 * time.Second,
		MaxCall:           600 * time.Second,
		PersistTimeout:    10 * time.Second,
		RetryBackoff:      200 * time.Millisecond,
		ReplyMaxSentences: 2,
		ReplyMaxChars:     400,
		BreakerThreshold:  3,
		BreakerCooldown:   30 * time.Second,
		QueueSize:         256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = d.AdapterTimeout
	}
	if c.MaxTurn <= 0 {
		c.MaxTurn = d.MaxTurn
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.ReplyMaxSentences <= 0 {
		c.ReplyMaxSentences = d.ReplyMaxSentences
	}
	if c.ReplyMaxChars <= 0 {
		c.ReplyMaxChars = d.ReplyMaxChars
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Deps are the collaborators shared by every connection.
type Deps struct {
	Registry    *session.Registry
	Transcriber stt.Transcriber
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Store       store.Gateway
	Observer    metrics.Observer
	Logger      *slog.Logger
}

// Sequencer creates per-connection call loops.
type Sequencer struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	stt    *guard
	llm    *guard
	tts    *guard
}

func New(cfg Config, deps Deps) (*Sequencer, error) {
	if deps.Registry == nil {
		return nil, errors.New("sequencer: registry is required")
	}
	if deps.Transcriber == nil || deps.Generator == nil || deps.Synthesizer == nil {
		return nil, errors.New("sequencer: stt, llm and tts adapters are required")
	}
	if deps.Store == nil {
		return nil, errors.New("sequencer: store is required")
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if len(cfg.Flow.Stages) > 0 {
		if err := cfg.Flow.Validate(); err != nil {
			return nil, err
		}
	}
	s := &Sequencer{cfg: cfg, deps: deps, logger: deps.Logger}
	s.stt = newGuard(AdapterSTT, deps.Transcriber.Name(), errorsx.ReasonSTTFailure, cfg, deps.Observer, deps.Logger)
	s.llm = newGuard(AdapterLLM, deps.Generator.Name(), errorsx.ReasonLLMFailure, cfg, deps.Observer, deps.Logger)
	s.tts = newGuard(AdapterTTS, deps.Synthesizer.Name(), errorsx.ReasonTTSFailure, cfg, deps.Observer, deps.Logger)
	return s, nil
}

// Config returns the effective configuration.
func (s *Sequencer) Config() Config { return s.cfg }

// Registry returns the shared session registry.
func (s *Sequencer) Registry() *session.Registry { return s.deps.Registry }

// NewConn prepares the loop for one client connection. An empty id gets a
// generated one. Run must be called to start it.
func (s *Sequencer) NewConn(connectionID string, out Emitter) *Conn {
	if connectionID == "" {
		connectionID = "conn_" + uuid.NewString()
	}
	return newConn(s, connectionID, out)
}
