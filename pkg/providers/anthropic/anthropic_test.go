package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/metrics"
	"github.com/harunnryd/hrcall/pkg/resilience"
)

func TestGenerateReply(t *testing.T) {
	var got struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		System    []struct {
			Text string `json:"text"`
		} `json:"system"`
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test" {
			t.Errorf("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[{"type":"text","text":"Thanks for taking my call."}],"stop_reason":"end_turn","usage":{"input_tokens":30,"output_tokens":8}}`))
	}))
	defer server.Close()

	obs := metrics.NewMemoryObserver()
	gen, err := New(Config{APIKey: "test", BaseURL: server.URL, Model: "claude-test", Observer: obs})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	reply, err := gen.GenerateReply(context.Background(), "Greet them.", []call.Turn{{Speaker: call.SpeakerAgent, Text: "Hello."}})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply != "Thanks for taking my call." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if got.Model != "claude-test" || got.MaxTokens != 150 || len(got.System) != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
	if n := len(got.Messages); n == 0 || got.Messages[0].Role != "user" || got.Messages[n-1].Role != "user" {
		t.Fatalf("messages must start and end with user: %+v", got.Messages)
	}
	if obs.Count(metrics.EventLLMUsage) != 1 || obs.Snapshot()[0].Value != 38 {
		t.Fatalf("unexpected usage %+v", obs.Snapshot())
	}
}

func TestRateLimitIsMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	gen, err := New(Config{APIKey: "test", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := gen.GenerateSummary(context.Background(), nil); !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}
