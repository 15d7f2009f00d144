// Package callagent wires configuration, vendor adapters, persistence,
// transports and the read API into one runnable call service.
package callagent

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/harunnryd/hrcall/pkg/configutil"
	"github.com/harunnryd/hrcall/pkg/flow"
	"github.com/harunnryd/hrcall/pkg/sequencer"
	"github.com/harunnryd/hrcall/pkg/transports/twilio"
	"github.com/harunnryd/hrcall/pkg/vad"
)

// EnvPrefix prefixes environment overrides, e.g. HRCALL_SERVER_ADDR.
const EnvPrefix = "HRCALL"

// Store backends.
const (
	StoreFile  = "file"
	StoreSQL   = "sql"
	StoreRedis = "redis"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        ServerConfig        `mapstructure:"server"`
	VAD           vad.Config          `mapstructure:"vad"`
	Audio         AudioConfig         `mapstructure:"audio"`
	Sequencer     SequencerConfig     `mapstructure:"sequencer"`
	Flow          flow.Config         `mapstructure:"flow"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Store         StoreConfig         `mapstructure:"store"`
	Twilio        TwilioConfig        `mapstructure:"twilio"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	PublicURL      string   `mapstructure:"public_url"`
	WSPath         string   `mapstructure:"ws_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	DrainTimeoutMS int      `mapstructure:"drain_timeout_ms"`
}

type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
}

type SequencerConfig struct {
	AdapterTimeoutMS  int `mapstructure:"adapter_timeout_ms"`
	MaxTurnMS         int `mapstructure:"max_turn_ms"`
	MaxCallSeconds    int `mapstructure:"max_call_seconds"`
	Retries           int `mapstructure:"retries"`
	RetryBackoffMS    int `mapstructure:"retry_backoff_ms"`
	ReplyMaxSentences int `mapstructure:"reply_max_sentences"`
	ReplyMaxChars     int `mapstructure:"reply_max_chars"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	LLM VendorConfig `mapstructure:"llm"`
	TTS VendorConfig `mapstructure:"tts"`
}

type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

type TwilioConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	twilio.Config `mapstructure:",squash"`
}

type ObservabilityConfig struct {
	ArtifactsDir      string  `mapstructure:"artifacts_dir"`
	RetentionDays     int     `mapstructure:"retention_days"`
	RetentionSchedule string  `mapstructure:"retention_schedule"`
	MetricsSampleRate float64 `mapstructure:"metrics_sample_rate"`
	// EventsFile appends every metrics event as one JSON line when set.
	EventsFile string `mapstructure:"events_file"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// LoadConfig reads defaults, the optional config file at path and HRCALL_
// environment overrides, then expands ${VAR} references and validates.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.allow_any_origin", true)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.drain_timeout_ms", 20000)
	v.SetDefault("vad.threshold", vad.DefaultThreshold)
	v.SetDefault("vad.hold_off_ms", vad.DefaultHoldOffMS)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("sequencer.adapter_timeout_ms", 15000)
	v.SetDefault("sequencer.max_turn_ms", 30000)
	v.SetDefault("sequencer.max_call_seconds", 600)
	v.SetDefault("sequencer.retries", 0)
	v.SetDefault("sequencer.retry_backoff_ms", 200)
	v.SetDefault("sequencer.reply_max_sentences", 2)
	v.SetDefault("sequencer.reply_max_chars", 400)
	v.SetDefault("flow.farewell", flow.DefaultFarewell)
	v.SetDefault("vendors.stt.provider", "mock")
	v.SetDefault("vendors.llm.provider", "mock")
	v.SetDefault("vendors.tts.provider", "mock")
	v.SetDefault("store.backend", StoreFile)
	v.SetDefault("store.dir", "data")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_prefix", "hrcall")
	v.SetDefault("twilio.enabled", false)
	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.from_number", "")
	v.SetDefault("twilio.voice_path", "/twilio/voice")
	v.SetDefault("twilio.ws_path", "/twilio/media")
	v.SetDefault("twilio.status_path", "/twilio/status")
	v.SetDefault("twilio.voice_greeting", "")
	v.SetDefault("twilio.dial_rate_per_sec", 1.0)
	v.SetDefault("twilio.dial_retries", 2)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.retention_schedule", "@daily")
	v.SetDefault("observability.metrics_sample_rate", 1.0)
	v.SetDefault("observability.events_file", "")
	v.SetDefault("privacy.redact_pii", true)
}

func (c *Config) Validate() error {
	for path, provider := range map[string]string{
		"vendors.stt.provider": c.Vendors.STT.Provider,
		"vendors.llm.provider": c.Vendors.LLM.Provider,
		"vendors.tts.provider": c.Vendors.TTS.Provider,
	} {
		if err := configutil.RequireString(provider, path); err != nil {
			return err
		}
	}
	if err := configutil.RequireString(c.Server.Addr, "server.addr"); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be one of [text, json], got %s", c.LogFormat)
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.VAD.Threshold < 0 || c.VAD.Threshold > 1 {
		return fmt.Errorf("vad.threshold must be between 0 and 1, got %g", c.VAD.Threshold)
	}
	if c.Sequencer.MaxCallSeconds < 0 {
		return fmt.Errorf("sequencer.max_call_seconds must not be negative, got %d", c.Sequencer.MaxCallSeconds)
	}
	if c.Sequencer.Retries < 0 {
		return fmt.Errorf("sequencer.retries must not be negative, got %d", c.Sequencer.Retries)
	}
	if err := c.Flow.Validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if c.Twilio.Enabled {
		if err := configutil.RequireString(c.Twilio.AccountSID, "twilio.account_sid"); err != nil {
			return err
		}
		if err := configutil.RequireString(c.Twilio.AuthToken, "twilio.auth_token"); err != nil {
			return err
		}
	}
	obs := c.Observability
	if obs.MetricsSampleRate < 0 || obs.MetricsSampleRate > 1 {
		return fmt.Errorf("observability.metrics_sample_rate must be between 0 and 1, got %g", obs.MetricsSampleRate)
	}
	if obs.RetentionDays > 0 && strings.TrimSpace(obs.RetentionSchedule) != "" {
		if _, err := cron.ParseStandard(obs.RetentionSchedule); err != nil {
			return fmt.Errorf("observability.retention_schedule: %w", err)
		}
	}
	return nil
}

func (s StoreConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case StoreFile:
		return configutil.RequireString(s.Dir, "store.dir")
	case StoreSQL:
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("store.driver must be one of [sqlite, postgres], got %s", s.Driver)
		}
		return configutil.RequireString(s.DSN, "store.dsn")
	case StoreRedis:
		return configutil.RequireString(s.RedisAddr, "store.redis_addr")
	default:
		return fmt.Errorf("store.backend must be one of [file, sql, redis], got %s", s.Backend)
	}
}

// SequencerConfig maps the loaded settings onto the turn sequencer.
func (c Config) SequencerConfig() sequencer.Config {
	d := sequencer.DefaultConfig()
	out := d
	out.SampleRate = c.Audio.SampleRate
	out.VAD = c.VAD
	out.Flow = c.Flow
	out.AdapterTimeout = configutil.Millis(c.Sequencer.AdapterTimeoutMS, d.AdapterTimeout)
	out.MaxTurn = configutil.Millis(c.Sequencer.MaxTurnMS, d.MaxTurn)
	out.MaxCall = time.Duration(c.Sequencer.MaxCallSeconds) * time.Second
	out.Retries = c.Sequencer.Retries
	out.RetryBackoff = configutil.Millis(c.Sequencer.RetryBackoffMS, d.RetryBackoff)
	out.ReplyMaxSentences = c.Sequencer.ReplyMaxSentences
	out.ReplyMaxChars = c.Sequencer.ReplyMaxChars
	return out
}

// TwilioTransportConfig fills the transport settings the twilio block
// leaves blank from the server block.
func (c Config) TwilioTransportConfig() twilio.Config {
	out := c.Twilio.Config
	if out.ServerAddr == "" {
		out.ServerAddr = c.Server.Addr
	}
	if out.PublicURL == "" {
		out.PublicURL = c.Server.PublicURL
	}
	return out
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
