package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/hrcall/pkg/audio"
	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/metrics"
	"github.com/harunnryd/hrcall/pkg/resilience"
)

func TestGenerateReplySendsPromptAndRecordsUsage(t *testing.T) {
	var got struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":" Hi, I'm calling about openings. "},"finish_reason":"stop"}],"usage":{"prompt_tokens":40,"completion_tokens":10,"total_tokens":50}}`))
	}))
	defer server.Close()

	obs := metrics.NewMemoryObserver()
	gen, err := NewGenerator(Config{APIKey: "test", BaseURL: server.URL + "/v1", Model: "gpt-test", Observer: obs})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	transcript := []call.Turn{{Speaker: call.SpeakerAgent, Text: "Hello.", CapturedAt: time.Now()}, {Speaker: call.SpeakerHuman, Text: "Hi."}}
	reply, err := gen.GenerateReply(context.Background(), "Ask about openings.", transcript)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply != "Hi, I'm calling about openings." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if got.Model != "gpt-test" || got.MaxTokens != 150 {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Messages) == 0 || got.Messages[0].Role != "system" {
		t.Fatalf("expected system prompt first, got %+v", got.Messages)
	}
	last := got.Messages[len(got.Messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "Ask about openings.") {
		t.Fatalf("expected intent last, got %+v", last)
	}
	events := obs.Snapshot()
	if len(events) != 1 || events[0].Name != metrics.EventLLMUsage || events[0].Value != 50 {
		t.Fatalf("unexpected usage events %+v", events)
	}
}

func TestRateLimitIsMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`))
	}))
	defer server.Close()

	gen, err := NewGenerator(Config{APIKey: "test", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = gen.GenerateSummary(context.Background(), nil)
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestWhisperTranscribesWAV(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			head := make([]byte, 4)
			_, _ = file.Read(head)
			if string(head) != "RIFF" {
				t.Errorf("expected wav upload, got %q", head)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" We are hiring. "}`))
	}))
	defer server.Close()

	tr, err := NewTranscriber(WhisperConfig{APIKey: "test", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	seg := audio.Segment{PCM: make([]byte, 3200), SampleRate: 16000}
	text, err := tr.Transcribe(context.Background(), seg)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "We are hiring." {
		t.Fatalf("unexpected text %q", text)
	}
	if text, err := tr.Transcribe(context.Background(), audio.Segment{}); err != nil || text != "" {
		t.Fatalf("empty segment should be silent, got %q %v", text, err)
	}
}

func TestConstructorsRequireKey(t *testing.T) {
	if _, err := NewGenerator(Config{}); err == nil {
		t.Fatalf("expected error without api key")
	}
	if _, err := NewTranscriber(WhisperConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
