// Package ws serves the browser client protocol over a WebSocket.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/hrcall/pkg/errorsx"
	"github.com/harunnryd/hrcall/pkg/logging"
	"github.com/harunnryd/hrcall/pkg/sequencer"
	"github.com/harunnryd/hrcall/pkg/transports"
)

type Config struct {
	Path           string        `mapstructure:"path"`
	AllowAnyOrigin bool          `mapstructure:"allow_any_origin"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	ReadLimit      int64         `mapstructure:"read_limit"`
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

type Transport struct {
	cfg      Config
	seq      *sequencer.Sequencer
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// mu guards draining together with wg.Add so Stop never waits on a
	// handler it did not see.
	mu       sync.Mutex
	base     context.Context
	clients  map[string]*client
	wg       sync.WaitGroup
	draining bool
}

func New(cfg Config, seq *sequencer.Sequencer) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		seq: seq,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:  logging.NewComponentLogger(slog.Default(), "ws_transport"),
		base:    context.Background(),
		clients: make(map[string]*client),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "ws" }

func (t *Transport) Mount(mux *http.ServeMux) {
	mux.Handle(t.cfg.Path, t)
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	t.base = ctx
	t.mu.Unlock()
	return nil
}

// Stop closes every client socket and waits for their calls to be
// finished and persisted.
func (t *Transport) Stop() error {
	t.mu.Lock()
	t.draining = true
	for _, cl := range t.clients {
		_ = cl.conn.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{"ws_path": t.cfg.Path}
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !t.admit() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer t.wg.Done()
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(t.cfg.ReadLimit)

	cl := &client{conn: conn, writeTimeout: t.cfg.WriteTimeout, logger: t.logger}
	c := t.seq.NewConn("", cl)
	cl.id = c.ID()
	ctx := t.track(cl)
	defer t.untrack(cl)

	t.logger.Info("client_connected", "connection_id", c.ID(), "remote_addr", r.RemoteAddr)
	go func() {
		_ = c.Run(ctx)
		_ = conn.Close()
	}()

	t.readLoop(conn, c)
	c.Close()
	<-c.Done()
	t.logger.Info("client_disconnected", "connection_id", c.ID())
}

func (t *Transport) readLoop(conn *websocket.Conn, c *sequencer.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			c.Audio(data)
			continue
		}
		var env sequencer.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Debug("client_message_invalid", "connection_id", c.ID(), "error", err.Error())
			continue
		}
		switch env.Event {
		case sequencer.ClientStartCall:
			c.Start()
		case sequencer.ClientAudioChunk:
			pcm, err := decodeChunk(env.Data)
			if err != nil {
				t.logger.Debug("audio_chunk_invalid", "connection_id", c.ID(), "error", err.Error())
				continue
			}
			c.Audio(pcm)
		case sequencer.ClientUserFinishedSpeaking:
			c.Hint()
		case sequencer.ClientEndCall:
			c.End()
		default:
			t.logger.Debug("client_event_unknown", "connection_id", c.ID(), "event", env.Event)
		}
	}
}

// admit counts a handler in unless Stop has begun.
func (t *Transport) admit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.wg.Add(1)
	return true
}

// track registers the client for Stop. A client upgraded after Stop closed
// the others is closed here so its read loop ends right away.
func (t *Transport) track(cl *client) context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[cl.id] = cl
	if t.draining {
		_ = cl.conn.Close()
	}
	return t.base
}

func (t *Transport) untrack(cl *client) {
	t.mu.Lock()
	delete(t.clients, cl.id)
	t.mu.Unlock()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

type audioChunk struct {
	Audio string `json:"audio"`
}

func decodeChunk(raw json.RawMessage) ([]byte, error) {
	var chunk audioChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(chunk.Audio)
}

// client writes server events to one socket.
type client struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger
	mu           sync.Mutex
}

func (c *client) Emit(ctx context.Context, ev sequencer.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteJSON(ev); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

var (
	_ transports.Transport     = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
	_ sequencer.Emitter        = (*client)(nil)
)
