package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/hrcall/pkg/adapters/tts"
	"github.com/harunnryd/hrcall/pkg/logging"
	"github.com/harunnryd/hrcall/pkg/resilience"
)

const (
	DefaultBaseURL      = "wss://api.elevenlabs.io"
	DefaultModelID      = "eleven_turbo_v2_5"
	DefaultOutputFormat = "pcm_16000"
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	SampleRate   int
	BaseURL      string
	Stability    float64
	Similarity   float64
}

// Synthesizer renders one reply per stream-input session and returns the
// concatenated audio once ElevenLabs reports the final chunk.
type Synthesizer struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger
}

func New(cfg Config) (*Synthesizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.VoiceID) == "" {
		return nil, errors.New("elevenlabs: api key and voice id are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = DefaultOutputFormat
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = sampleRateOf(cfg.OutputFormat)
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.Similarity == 0 {
		cfg.Similarity = 0.8
	}
	return &Synthesizer{
		cfg:    cfg,
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		logger: logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
	}, nil
}

func (s *Synthesizer) Name() string { return "elevenlabs" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string) (*tts.Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	u, err := s.buildURL()
	if err != nil {
		return nil, err
	}
	conn, resp, err := s.dialer.DialContext(ctx, u, http.Header{"xi-api-key": []string{s.cfg.APIKey}})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		return nil, fmt.Errorf("elevenlabs dial: %w", err)
	}
	defer conn.Close()

	// Unblock the reader when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	messages := []map[string]any{
		{
			"text":                   " ",
			"try_trigger_generation": true,
			"voice_settings": map[string]any{
				"stability":        s.cfg.Stability,
				"similarity_boost": s.cfg.Similarity,
			},
		},
		{"text": text + " ", "flush": true},
		{"text": ""},
	}
	for _, m := range messages {
		if err := conn.WriteJSON(m); err != nil {
			return nil, s.readErr(ctx, fmt.Errorf("elevenlabs send: %w", err))
		}
	}

	var out []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && len(out) > 0 {
				break
			}
			return nil, s.readErr(ctx, fmt.Errorf("elevenlabs read: %w", err))
		}
		chunk, final, err := decodeMessage(data)
		if err != nil {
			s.logger.Debug("elevenlabs_message_skipped", slog.String("error", err.Error()))
			continue
		}
		out = append(out, chunk...)
		if final {
			break
		}
	}
	s.logger.Debug("elevenlabs_audio_ready",
		slog.Int("size_bytes", len(out)),
		slog.String("output_format", s.cfg.OutputFormat))
	if len(out) == 0 {
		return nil, nil
	}
	return &tts.Audio{Data: out, Format: formatOf(s.cfg.OutputFormat), SampleRate: s.cfg.SampleRate}, nil
}

func (s *Synthesizer) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (s *Synthesizer) buildURL() (string, error) {
	base, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("elevenlabs base url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	base.Path += "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input"
	q := url.Values{}
	q.Set("model_id", s.cfg.ModelID)
	q.Set("output_format", s.cfg.OutputFormat)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

type streamMessage struct {
	Audio       *string `json:"audio"`
	IsFinal     *bool   `json:"isFinal"`
	Error       string  `json:"error"`
	Message     string  `json:"message"`
	AudioBase64 *string `json:"audio_base_64"`
}

func decodeMessage(data []byte) ([]byte, bool, error) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, err
	}
	if msg.Error != "" {
		return nil, false, fmt.Errorf("%s: %s", msg.Error, msg.Message)
	}
	final := msg.IsFinal != nil && *msg.IsFinal
	encoded := msg.Audio
	if encoded == nil {
		encoded = msg.AudioBase64
	}
	if encoded == nil || *encoded == "" {
		return nil, final, nil
	}
	raw, err := base64.StdEncoding.DecodeString(*encoded)
	if err != nil {
		return nil, final, err
	}
	return raw, final, nil
}

// formatOf maps an output_format such as "ulaw_8000" to its codec name.
func formatOf(outputFormat string) string {
	codec, _, _ := strings.Cut(outputFormat, "_")
	return codec
}

func sampleRateOf(outputFormat string) int {
	parts := strings.Split(outputFormat, "_")
	if len(parts) >= 2 {
		if n, err := strconv.Atoi(parts[1]); err == nil {
			return n
		}
	}
	return 16000
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
