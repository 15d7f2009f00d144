package ws

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/hrcall/pkg/providers/mock"
	"github.com/harunnryd/hrcall/pkg/sequencer"
	"github.com/harunnryd/hrcall/pkg/session"
	"github.com/harunnryd/hrcall/pkg/store"
	"github.com/harunnryd/hrcall/pkg/store/filestore"
	"github.com/harunnryd/hrcall/pkg/vad"
)

func newTestServer(t *testing.T, transcripts ...string) (*Transport, *httptest.Server, store.Gateway) {
	t.Helper()
	st, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	cfg := sequencer.DefaultConfig()
	cfg.VAD = vad.Config{Threshold: 0.02, HoldOffMS: 40}
	cfg.AdapterTimeout = time.Second
	seq, err := sequencer.New(cfg, sequencer.Deps{
		Registry:    session.NewRegistry(),
		Transcriber: mock.NewTranscriber(mock.STTConfig{Transcripts: transcripts}),
		Generator:   mock.NewGenerator(mock.LLMConfig{}),
		Synthesizer: mock.NewSynthesizer(mock.TTSConfig{}),
		Store:       st,
	})
	if err != nil {
		t.Fatalf("sequencer: %v", err)
	}
	tr := New(Config{}, seq)
	mux := http.NewServeMux()
	tr.Mount(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return tr, server, st
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, name string) json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env sequencer.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", name, err)
		}
		if env.Event == name {
			return env.Data
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	msg := map[string]any{"event": event}
	if data != nil {
		msg["data"] = data
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func tone(amplitude int16) []byte {
	pcm := make([]byte, 640)
	for i := 0; i < len(pcm); i += 2 {
		v := amplitude
		if (i/2)%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(v))
	}
	return pcm
}

func TestStartAndEndCall(t *testing.T) {
	_, server, st := newTestServer(t)
	conn := dial(t, server)

	var connected sequencer.ConnectedData
	_ = json.Unmarshal(readUntil(t, conn, sequencer.EventConnected), &connected)
	if !strings.HasPrefix(connected.ConnectionID, "conn_") {
		t.Fatalf("unexpected connection id %q", connected.ConnectionID)
	}

	send(t, conn, sequencer.ClientStartCall, nil)
	var started sequencer.CallStartedData
	_ = json.Unmarshal(readUntil(t, conn, sequencer.EventCallStarted), &started)
	var speaking sequencer.AgentSpeakingData
	_ = json.Unmarshal(readUntil(t, conn, sequencer.EventAgentSpeaking), &speaking)
	if speaking.Text == "" || speaking.Audio != "" {
		t.Fatalf("unexpected greeting %+v", speaking)
	}

	send(t, conn, sequencer.ClientEndCall, nil)
	var ended sequencer.CallEndedData
	_ = json.Unmarshal(readUntil(t, conn, sequencer.EventCallEnded), &ended)
	if ended.CallID != started.CallID || ended.Summary == "" {
		t.Fatalf("unexpected callEnded %+v", ended)
	}
	if ended.Stats == nil || ended.Stats.TotalCalls != 1 {
		t.Fatalf("expected stats with one call, got %+v", ended.Stats)
	}
	if _, ok, err := st.Get(context.Background(), started.CallID); err != nil || !ok {
		t.Fatalf("expected persisted call, got %v %v", ok, err)
	}
}

func TestAudioChunksDriveTurns(t *testing.T) {
	_, server, _ := newTestServer(t, "Sorry, I'm busy right now.")
	conn := dial(t, server)
	readUntil(t, conn, sequencer.EventConnected)
	send(t, conn, sequencer.ClientStartCall, nil)
	readUntil(t, conn, sequencer.EventAgentSpeaking)
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 4; i++ {
		if i%2 == 0 {
			if err := conn.WriteMessage(websocket.BinaryMessage, tone(8000)); err != nil {
				t.Fatalf("write binary: %v", err)
			}
			continue
		}
		send(t, conn, sequencer.ClientAudioChunk, map[string]string{"audio": base64.StdEncoding.EncodeToString(tone(8000))})
	}
	for i := 0; i < 8; i++ {
		time.Sleep(20 * time.Millisecond)
		if err := conn.WriteMessage(websocket.BinaryMessage, tone(0)); err != nil {
			t.Fatalf("write silence: %v", err)
		}
	}
	send(t, conn, sequencer.ClientUserFinishedSpeaking, nil)

	var spoke sequencer.UserSpokeData
	_ = json.Unmarshal(readUntil(t, conn, sequencer.EventUserSpoke), &spoke)
	if spoke.Text != "Sorry, I'm busy right now." {
		t.Fatalf("unexpected transcript %q", spoke.Text)
	}
	var ended sequencer.CallEndedData
	_ = json.Unmarshal(readUntil(t, conn, sequencer.EventCallEnded), &ended)
	if ended.EndReason != "end_phrase" {
		t.Fatalf("expected end_phrase, got %q", ended.EndReason)
	}
}

func TestDisconnectPersistsOpenCall(t *testing.T) {
	_, server, st := newTestServer(t)
	conn := dial(t, server)
	readUntil(t, conn, sequencer.EventConnected)
	send(t, conn, sequencer.ClientStartCall, nil)
	readUntil(t, conn, sequencer.EventAgentSpeaking)
	_ = conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		calls, err := st.List(context.Background(), 10)
		if err == nil && len(calls) == 1 {
			if calls[0].EndReason != "disconnected" {
				t.Fatalf("expected disconnected, got %q", calls[0].EndReason)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the open call to be persisted")
}

func TestStopRefusesNewConnections(t *testing.T) {
	tr, server, _ := newTestServer(t)
	conn := dial(t, server)
	readUntil(t, conn, sequencer.EventConnected)

	if err := tr.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("expected handshake failure while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}
}

func TestStopWaitsForConnectionsRacingIt(t *testing.T) {
	tr, server, _ := newTestServer(t)
	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	var wg sync.WaitGroup
	conns := make(chan *websocket.Conn, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
			if err != nil {
				if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
					t.Errorf("unexpected status %d", resp.StatusCode)
				}
				return
			}
			conns <- conn
		}()
	}
	stopped := make(chan error, 1)
	go func() { stopped <- tr.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stop did not return")
	}
	wg.Wait()
	close(conns)

	for conn := range conns {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
					t.Fatalf("connection admitted during stop was left open")
				}
				break
			}
		}
		_ = conn.Close()
	}
}

func TestCheckOrigin(t *testing.T) {
	tr := New(Config{AllowedOrigins: []string{"https://app.example.com", "localhost:3000"}}, nil)
	cases := map[string]bool{
		"https://app.example.com": true,
		"http://localhost:3000":   true,
		"https://evil.example":    false,
		"":                        true,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := tr.checkOrigin(r); got != want {
			t.Fatalf("origin %q: got %v, want %v", origin, got, want)
		}
	}
}
