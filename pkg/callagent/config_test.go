package callagent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hrcall.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":5000" || cfg.Audio.SampleRate != 16000 {
		t.Fatalf("unexpected server/audio defaults: %+v %+v", cfg.Server, cfg.Audio)
	}
	if cfg.Vendors.STT.Provider != "mock" || cfg.Vendors.LLM.Provider != "mock" || cfg.Vendors.TTS.Provider != "mock" {
		t.Fatalf("unexpected vendor defaults: %+v", cfg.Vendors)
	}
	if cfg.Store.Backend != StoreFile || cfg.Store.Dir != "data" {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.Sequencer.MaxCallSeconds != 600 || cfg.Sequencer.Retries != 0 || cfg.Sequencer.ReplyMaxSentences != 2 {
		t.Fatalf("unexpected sequencer defaults: %+v", cfg.Sequencer)
	}
	if !cfg.Privacy.RedactPII || cfg.Twilio.Enabled {
		t.Fatalf("unexpected privacy/twilio defaults")
	}
	if cfg.Twilio.VoicePath != "/twilio/voice" || cfg.Twilio.DialRatePerSec != 1 {
		t.Fatalf("unexpected twilio defaults: %+v", cfg.Twilio.Config)
	}
}

func TestLoadConfigFileAndExpansion(t *testing.T) {
	t.Setenv("HRCALL_TEST_LLM_KEY", "sk-test")
	t.Setenv("HRCALL_TEST_COMPANY", "Acme")
	path := writeConfig(t, `
log_level: debug
server:
  addr: ":7000"
  public_url: "https://example.ngrok.app"
vad:
  threshold: 0.05
  hold_off_ms: 900
sequencer:
  retries: 2
  max_turn_ms: 5000
flow:
  stages:
    - name: greeting
      intent: "Greet the HR contact at ${HRCALL_TEST_COMPANY}."
    - name: closing
      intent: "Thank them and say goodbye."
  end_phrases: ["not interested"]
vendors:
  llm:
    provider: anthropic
    settings:
      api_key: "${HRCALL_TEST_LLM_KEY}"
      model: claude-test
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Server.Addr != ":7000" {
		t.Fatalf("file values not applied: %+v", cfg.Server)
	}
	if cfg.VAD.Threshold != 0.05 || cfg.VAD.HoldOffMS != 900 {
		t.Fatalf("unexpected vad %+v", cfg.VAD)
	}
	if len(cfg.Flow.Stages) != 2 || cfg.Flow.Stages[0].Intent != "Greet the HR contact at Acme." {
		t.Fatalf("unexpected stages %+v", cfg.Flow.Stages)
	}
	if cfg.Vendors.LLM.Settings["api_key"] != "sk-test" {
		t.Fatalf("settings not expanded: %v", cfg.Vendors.LLM.Settings)
	}
	if cfg.Vendors.STT.Provider != "mock" {
		t.Fatalf("expected untouched vendor default, got %q", cfg.Vendors.STT.Provider)
	}

	seq := cfg.SequencerConfig()
	if seq.Retries != 2 || seq.MaxTurn != 5*time.Second || seq.AdapterTimeout != 15*time.Second {
		t.Fatalf("unexpected sequencer config %+v", seq)
	}
	if seq.MaxCall != 600*time.Second || seq.SampleRate != 16000 || seq.VAD.HoldOffMS != 900 {
		t.Fatalf("unexpected sequencer limits %+v", seq)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("HRCALL_SERVER_ADDR", ":6001")
	t.Setenv("HRCALL_TWILIO_ENABLED", "true")
	t.Setenv("HRCALL_TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("HRCALL_TWILIO_AUTH_TOKEN", "token")
	t.Setenv("HRCALL_STORE_BACKEND", "sql")
	t.Setenv("HRCALL_STORE_DSN", "file::memory:")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":6001" || !cfg.Twilio.Enabled || cfg.Twilio.AccountSID != "AC123" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Server, cfg.Twilio)
	}
	if cfg.Store.Backend != StoreSQL || cfg.Store.Driver != "sqlite" {
		t.Fatalf("unexpected store %+v", cfg.Store)
	}
	tc := cfg.TwilioTransportConfig()
	if tc.ServerAddr != ":6001" || tc.AccountSID != "AC123" {
		t.Fatalf("unexpected transport config %+v", tc)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestValidate(t *testing.T) {
	base, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing provider", func(c *Config) { c.Vendors.TTS.Provider = " " }, "vendors.tts.provider"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad sample rate", func(c *Config) { c.Audio.SampleRate = 0 }, "audio.sample_rate"},
		{"bad threshold", func(c *Config) { c.VAD.Threshold = 2 }, "vad.threshold"},
		{"negative retries", func(c *Config) { c.Sequencer.Retries = -1 }, "sequencer.retries"},
		{"bad store", func(c *Config) { c.Store.Backend = "mongo" }, "store.backend"},
		{"sql without dsn", func(c *Config) { c.Store.Backend = StoreSQL }, "store.dsn"},
		{"sql bad driver", func(c *Config) { c.Store.Backend = StoreSQL; c.Store.Driver = "mysql" }, "store.driver"},
		{"redis without addr", func(c *Config) { c.Store.Backend = StoreRedis }, "store.redis_addr"},
		{"twilio without creds", func(c *Config) { c.Twilio.Enabled = true }, "twilio.account_sid"},
		{"bad sample rate metric", func(c *Config) { c.Observability.MetricsSampleRate = 1.5 }, "metrics_sample_rate"},
		{"bad schedule", func(c *Config) {
			c.Observability.RetentionDays = 7
			c.Observability.RetentionSchedule = "every tuesday"
		}, "retention_schedule"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	for key, val := range map[string]string{
		"DEEPGRAM_API_KEY":    "dg-key",
		"ANTHROPIC_API_KEY":   "ant-key",
		"ELEVENLABS_API_KEY":  "el-key",
		"ELEVENLABS_VOICE_ID": "voice-1",
		"DATABASE_URL":        "postgres://hrcall@localhost/hrcall?sslmode=disable",
		"TWILIO_ACCOUNT_SID":  "AC123",
		"TWILIO_AUTH_TOKEN":   "secret",
	} {
		t.Setenv(key, val)
	}
	cfg, err := LoadConfig(filepath.Join("..", "..", "hrcall.example.yaml"))
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if cfg.Vendors.TTS.Provider != "elevenlabs" || cfg.Vendors.TTS.Settings["voice_id"] != "voice-1" {
		t.Fatalf("unexpected tts vendor %+v", cfg.Vendors.TTS)
	}
	if cfg.Store.Backend != StoreSQL || cfg.Store.Driver != "postgres" || !strings.HasPrefix(cfg.Store.DSN, "postgres://") {
		t.Fatalf("unexpected store %+v", cfg.Store)
	}
	if tc := cfg.TwilioTransportConfig(); tc.AccountSID != "AC123" || tc.PublicURL != "https://hrcall.example.com" {
		t.Fatalf("unexpected twilio config %+v", tc)
	}
	if _, err := DefaultProviders().BuildTTS(cfg); err != nil {
		t.Fatalf("build tts: %v", err)
	}
}
