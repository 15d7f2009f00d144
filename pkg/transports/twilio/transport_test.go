package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/hrcall/pkg/audio"
	"github.com/harunnryd/hrcall/pkg/providers/mock"
	"github.com/harunnryd/hrcall/pkg/sequencer"
	"github.com/harunnryd/hrcall/pkg/session"
	"github.com/harunnryd/hrcall/pkg/store"
	"github.com/harunnryd/hrcall/pkg/store/filestore"
)

type stubCallUpdater struct {
	mu      sync.Mutex
	lastSID string
	status  string
}

func (s *stubCallUpdater) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSID = sid
	if params != nil && params.Status != nil {
		s.status = *params.Status
	}
	return &api.ApiV2010Call{}, nil
}

func (s *stubCallUpdater) last() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSID, s.status
}

func newTestTransport(t *testing.T, cfg Config) (*Transport, *httptest.Server, store.Gateway) {
	t.Helper()
	st, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	seqCfg := sequencer.DefaultConfig()
	seqCfg.AdapterTimeout = time.Second
	seq, err := sequencer.New(seqCfg, sequencer.Deps{
		Registry:    session.NewRegistry(),
		Transcriber: mock.NewTranscriber(mock.STTConfig{}),
		Generator:   mock.NewGenerator(mock.LLMConfig{}),
		Synthesizer: mock.NewSynthesizer(mock.TTSConfig{Silent: true, SampleRate: 16000, DurationMS: 100}),
		Store:       st,
	})
	if err != nil {
		t.Fatalf("sequencer: %v", err)
	}
	tr := New(cfg, seq)
	mux := http.NewServeMux()
	tr.Mount(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return tr, server, st
}

func dialMedia(t *testing.T, server *httptest.Server, tr *Transport) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(server.URL, "http") + tr.cfg.WebsocketPath
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMedia(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read media: %v", err)
	}
	if msg.Event != "media" || msg.StreamSID != "MZ1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	return payload
}

func waitForCall(t *testing.T, st store.Gateway) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		calls, err := st.List(context.Background(), 10)
		if err == nil && len(calls) == 1 {
			return string(calls[0].EndReason)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected a persisted call")
	return ""
}

func TestMediaStreamGreetsAndStops(t *testing.T) {
	tr, server, st := newTestTransport(t, Config{})
	conn := dialMedia(t, server, tr)

	_ = conn.WriteJSON(map[string]any{"event": "connected"})
	_ = conn.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA1", "streamSid": "MZ1", "from": "+15550100"},
	})
	payload := readMedia(t, conn)
	// 100 ms of 16 kHz PCM becomes 800 bytes of 8 kHz mu-law.
	if len(payload) != 800 {
		t.Fatalf("expected 800 mu-law bytes, got %d", len(payload))
	}

	media := base64.StdEncoding.EncodeToString(audio.PCMToMuLaw(make([]byte, 320)))
	_ = conn.WriteJSON(map[string]any{"event": "media", "media": map[string]any{"payload": media}})
	_ = conn.WriteJSON(map[string]any{"event": "stop", "stop": map[string]any{"reason": "hangup"}})

	if reason := waitForCall(t, st); reason != "user_ended" {
		t.Fatalf("expected user_ended, got %q", reason)
	}
}

func TestMediaStreamDisconnectEndsCall(t *testing.T) {
	tr, server, st := newTestTransport(t, Config{})
	conn := dialMedia(t, server, tr)
	_ = conn.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA2", "streamSid": "MZ1"},
	})
	readMedia(t, conn)
	_ = conn.Close()

	if reason := waitForCall(t, st); reason != "disconnected" {
		t.Fatalf("expected disconnected, got %q", reason)
	}
}

func TestStopDrainsStreamsAndRefusesNew(t *testing.T) {
	tr, server, st := newTestTransport(t, Config{})
	conn := dialMedia(t, server, tr)
	_ = conn.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA3", "streamSid": "MZ1"},
	})
	readMedia(t, conn)

	u := "ws" + strings.TrimPrefix(server.URL, "http") + tr.cfg.WebsocketPath
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _, err := websocket.DefaultDialer.Dial(u, nil)
			if err == nil {
				_ = c.Close()
			}
		}()
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	wg.Wait()
	// Stop returns only after the open call was persisted.
	calls, err := st.List(context.Background(), 10)
	if err != nil || len(calls) != 1 {
		t.Fatalf("expected the open call persisted before stop returned, got %d (%v)", len(calls), err)
	}

	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after stop, got %+v (%v)", resp, err)
	}
}

func TestHandleStatusCallbackEndsCall(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com"}
	tr, server, st := newTestTransport(t, cfg)
	updater := &stubCallUpdater{}
	tr.updateClient = updater

	conn := dialMedia(t, server, tr)
	_ = conn.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA123", "streamSid": "MZ1"},
	})
	readMedia(t, conn)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "completed")
	req := httptest.NewRequest(http.MethodPost, "https://example.com/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), map[string]string{"CallSid": "CA123", "CallStatus": "completed"})
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleStatusCallback(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if reason := waitForCall(t, st); reason != "user_ended" {
		t.Fatalf("expected user_ended, got %q", reason)
	}
	if sid, _ := updater.last(); sid != "" {
		t.Fatalf("expected no hangup for a remotely ended call, got %q", sid)
	}
}

func TestAgentEndedCallHangsUp(t *testing.T) {
	tr := New(Config{}, nil)
	updater := &stubCallUpdater{}
	tr.updateClient = updater
	st := &stream{t: tr, sendCh: make(chan []byte, 4), ended: make(chan struct{})}
	st.bind("MZ1", "CA9")

	if err := st.Emit(context.Background(), sequencer.Event{Name: sequencer.EventCallEnded, Data: sequencer.CallEndedData{}}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	select {
	case <-st.ended:
	default:
		t.Fatalf("expected ended to be closed")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sid, status := updater.last(); sid == "CA9" && status == "completed" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected hangup request")
}

func TestPlayConvertsPCMAndFallsBack(t *testing.T) {
	tr := New(Config{}, nil)
	st := &stream{t: tr, sendCh: make(chan []byte, 8), ended: make(chan struct{})}
	st.bind("MZ1", "CA1")

	if err := st.play(sequencer.AgentSpeakingData{Text: "hi", Raw: make([]byte, 3200), Format: "pcm", SampleRate: 8000}); err != nil {
		t.Fatalf("play: %v", err)
	}
	if got := len(st.sendCh); got != 1 {
		t.Fatalf("expected one media message for 1600 bytes, got %d", got)
	}
	<-st.sendCh

	if err := st.play(sequencer.AgentSpeakingData{Text: "hi", Raw: []byte{1, 2, 3}, Format: "mp3"}); err != nil {
		t.Fatalf("play: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(<-st.sendCh, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	payload, _ := base64.StdEncoding.DecodeString(msg["media"].(map[string]any)["payload"].(string))
	if len(payload) != 800 || payload[0] != 0xFF {
		t.Fatalf("expected mu-law silence fallback, got %d bytes", len(payload))
	}

	st.close()
	if err := st.play(sequencer.AgentSpeakingData{Text: "late"}); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", VoiceGreeting: "Hi & welcome"}
	tr := New(cfg, nil)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/twilio/voice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	req.Header.Set("X-Twilio-Signature", computeSignature(cfg.AuthToken, tr.requestURL(req), params))

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	twiml := w.Body.String()
	if !strings.Contains(twiml, `<Stream url="wss://example.com/twilio/media"/>`) || !strings.Contains(twiml, "Hi &amp; welcome") {
		t.Fatalf("unexpected twiml %s", twiml)
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/twilio/voice", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"in-progress": "",
		"completed":   "completed",
		"no-answer":   "no_answer",
		"canceled":    "failed",
		"weird":       "unknown",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Fatalf("normalizeCallEndReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
