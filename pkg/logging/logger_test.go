package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestInitLoggerJSONWithComponent(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := InitLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})
	NewComponentLogger(logger, "sequencer").Debug("turn_started", "connection_id", "c1")

	out := buf.String()
	if !strings.Contains(out, `"component":"sequencer"`) {
		t.Fatalf("expected component attr, got %s", out)
	}
	if !strings.Contains(out, `"msg":"turn_started"`) {
		t.Fatalf("expected message, got %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
