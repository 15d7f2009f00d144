package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/hrcall/pkg/audio"
	"github.com/harunnryd/hrcall/pkg/errorsx"
	"github.com/harunnryd/hrcall/pkg/logging"
	"github.com/harunnryd/hrcall/pkg/redact"
	"github.com/harunnryd/hrcall/pkg/sequencer"
	"github.com/harunnryd/hrcall/pkg/transports"
)

// Twilio media streams carry 8 kHz mono mu-law.
const (
	mediaSampleRate = 8000
	mediaFrameBytes = 160
	framesPerMedia  = 10
)

type Config struct {
	ServerAddr         string  `mapstructure:"server_addr"`
	PublicURL          string  `mapstructure:"public_url"`
	AuthToken          string  `mapstructure:"auth_token"`
	AccountSID         string  `mapstructure:"account_sid"`
	FromNumber         string  `mapstructure:"from_number"`
	VoicePath          string  `mapstructure:"voice_path"`
	WebsocketPath      string  `mapstructure:"ws_path"`
	StatusCallbackPath string  `mapstructure:"status_path"`
	VoiceGreeting      string  `mapstructure:"voice_greeting"`
	DialRatePerSec     float64 `mapstructure:"dial_rate_per_sec"`
	DialRetries        int     `mapstructure:"dial_retries"`
	// EndGrace bounds how long a stopped stream waits for its call to be
	// persisted before the socket is released.
	EndGrace time.Duration `mapstructure:"end_grace"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":5000"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/twilio/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/twilio/media"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/twilio/status"
	}
	if c.DialRatePerSec <= 0 {
		c.DialRatePerSec = 1
	}
	if c.EndGrace <= 0 {
		c.EndGrace = 15 * time.Second
	}
	return c
}

// Transport bridges Twilio media streams onto sequencer connections.
type Transport struct {
	cfg        Config
	seq        *sequencer.Sequencer
	upgrader   websocket.Upgrader
	sampleRate int
	logger     *slog.Logger

	updateClient callUpdater

	mu       sync.Mutex
	base     context.Context
	streams  map[string]*stream // by call sid
	open     map[*stream]struct{}
	wg       sync.WaitGroup
	draining bool
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config, seq *sequencer.Sequencer) *Transport {
	cfg = cfg.withDefaults()
	rate := mediaSampleRate
	if seq != nil {
		rate = seq.Config().SampleRate
	}
	return &Transport{
		cfg: cfg,
		seq: seq,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sampleRate: rate,
		logger:     logging.NewComponentLogger(slog.Default(), "twilio_transport"),
		base:       context.Background(),
		streams:    make(map[string]*stream),
		open:       make(map[*stream]struct{}),
	}
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Mount(mux *http.ServeMux) {
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
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

func (t *Transport) Stop() error {
	t.mu.Lock()
	t.draining = true
	for st := range t.open {
		_ = st.conn.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.statusCallbackURL(),
	}
}

// Dialer returns an outbound dialer sharing this transport's settings.
func (t *Transport) Dialer() *Dialer {
	return NewDialer(t.cfg)
}

// ServeHTTP handles one media stream websocket.
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
	st := newStream(t, conn)
	c := t.seq.NewConn("", st)
	st.call = c
	ctx := t.track(st)
	defer t.untrack(st)
	go st.writeLoop()
	go func() {
		_ = c.Run(ctx)
		st.close()
	}()

	stopped := t.readLoop(st, c)
	if stopped && c.Active() {
		select {
		case <-st.ended:
		case <-c.Done():
		case <-time.After(t.cfg.EndGrace):
			t.logger.Warn("twilio_end_grace_exceeded", "call_sid", st.CallSID())
		}
	}
	c.Close()
	<-c.Done()
}

// readLoop consumes Twilio events until the socket closes. It reports
// whether the stream ended with a stop event.
func (t *Transport) readLoop(st *stream, c *sequencer.Conn) bool {
	for {
		_, msg, err := st.conn.ReadMessage()
		if err != nil {
			return false
		}
		var evt TwilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			st.bind(evt.Start.StreamID, evt.Start.CallSID)
			if old := t.attach(evt.Start.CallSID, st); old != nil {
				old.close()
			}
			t.logger.Info("twilio_stream_started",
				"call_sid", evt.Start.CallSID,
				"stream_sid", evt.Start.StreamID,
				"from", redact.Phone(evt.Start.From),
				"connection_id", c.ID())
			c.Start()
		case "media":
			if evt.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			pcm := audio.Resample(audio.MuLawToPCM(payload), mediaSampleRate, t.sampleRate)
			c.Audio(pcm)
		case "stop":
			reason := ""
			if evt.Stop != nil {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			t.logger.Info("twilio_stream_stopped", "call_sid", st.CallSID(), "reason", reason)
			st.endCall()
			t.detach(st)
			return true
		}
	}
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := t.websocketURL(r)
	var twiml string
	if greeting := strings.TrimSpace(t.cfg.VoiceGreeting); greeting != "" {
		twiml = `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	} else {
		twiml = `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.logger.Info("twilio_call_status", "call_sid", callSID, "reason", reason)
	if st := t.streamForCall(callSID); st != nil {
		st.endCall()
	}
	w.WriteHeader(http.StatusOK)
}

// hangup completes the telephone call once the agent finished it.
func (t *Transport) hangup(callSID string) {
	if callSID == "" {
		return
	}
	updater := t.updateClient
	if updater == nil {
		if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
			return
		}
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := updater.UpdateCall(callSID, params); err != nil {
		t.logger.Warn("twilio_hangup_failed", "call_sid", callSID, "error", err.Error())
	}
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	return webhookURL(t.cfg, t.cfg.VoicePath)
}

func (t *Transport) statusCallbackURL() string {
	return webhookURL(t.cfg, t.cfg.StatusCallbackPath)
}

func webhookURL(cfg Config, path string) string {
	if cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(cfg.PublicURL) + path
	}
	addr := cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

// admit counts a media stream in unless Stop has begun. draining and the
// wait group share mu so Stop never misses a handler.
func (t *Transport) admit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.wg.Add(1)
	return true
}

func (t *Transport) track(st *stream) context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open[st] = struct{}{}
	if t.draining {
		_ = st.conn.Close()
	}
	return t.base
}

func (t *Transport) untrack(st *stream) {
	t.detach(st)
	t.mu.Lock()
	delete(t.open, st)
	t.mu.Unlock()
}

func (t *Transport) attach(callSID string, st *stream) *stream {
	if callSID == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.streams[callSID]
	t.streams[callSID] = st
	if old == st {
		return nil
	}
	return old
}

func (t *Transport) detach(st *stream) {
	callSID := st.CallSID()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streams[callSID] == st {
		delete(t.streams, callSID)
	}
}

func (t *Transport) streamForCall(callSID string) *stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[callSID]
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.Validate(t.requestURL(r), params, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

// stream is the sequencer's emitter for one media stream.
type stream struct {
	t      *Transport
	conn   *websocket.Conn
	sendCh chan []byte
	ended  chan struct{}

	call   *sequencer.Conn
	remote atomic.Bool

	endOnce sync.Once
	sendMu  sync.Mutex
	closed  bool

	mu        sync.Mutex
	streamSID string
	callSID   string
}

func newStream(t *Transport, conn *websocket.Conn) *stream {
	return &stream{
		t:      t,
		conn:   conn,
		sendCh: make(chan []byte, 256),
		ended:  make(chan struct{}),
	}
}

func (s *stream) bind(streamSID, callSID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamSID = streamSID
	s.callSID = callSID
}

func (s *stream) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

func (s *stream) CallSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSID
}

// endCall finishes the call after Twilio reported the leg as gone.
func (s *stream) endCall() {
	s.remote.Store(true)
	s.call.End()
}

func (s *stream) Emit(ctx context.Context, ev sequencer.Event) error {
	switch ev.Name {
	case sequencer.EventAgentSpeaking:
		data, ok := ev.Data.(sequencer.AgentSpeakingData)
		if !ok {
			return nil
		}
		return s.play(data)
	case sequencer.EventCallEnded:
		s.endOnce.Do(func() { close(s.ended) })
		if callSID := s.CallSID(); callSID != "" && !s.remote.Load() {
			go s.t.hangup(callSID)
		}
	case sequencer.EventError:
		if data, ok := ev.Data.(sequencer.ErrorData); ok {
			s.t.logger.Warn("twilio_call_error", "call_sid", s.CallSID(), "message", data.Message)
		}
	}
	return nil
}

// play sends agent audio as mu-law media frames. Replies without playable
// audio become a short silence so the caller hears the turn boundary.
func (s *stream) play(data sequencer.AgentSpeakingData) error {
	ulaw := toMuLaw(data.Raw, data.Format, data.SampleRate)
	if len(ulaw) == 0 {
		if len(data.Raw) > 0 {
			s.t.logger.Warn("twilio_audio_format_unsupported", "format", data.Format)
		}
		ulaw = fallbackMuLaw()
	}
	streamSID := s.StreamSID()
	chunk := mediaFrameBytes * framesPerMedia
	for i := 0; i < len(ulaw); i += chunk {
		end := i + chunk
		if end > len(ulaw) {
			end = len(ulaw)
		}
		if err := s.enqueue(map[string]any{
			"event":     "media",
			"streamSid": streamSID,
			"media":     map[string]any{"payload": base64.StdEncoding.EncodeToString(ulaw[i:end])},
		}); err != nil {
			return err
		}
	}
	return nil
}

func toMuLaw(raw []byte, format string, sampleRate int) []byte {
	if len(raw) == 0 {
		return nil
	}
	format = strings.ToLower(format)
	switch {
	case strings.HasPrefix(format, "ulaw"), strings.HasPrefix(format, "mulaw"):
		if sampleRate != 0 && sampleRate != mediaSampleRate {
			return nil
		}
		return raw
	case strings.HasPrefix(format, "pcm"):
		return audio.PCMToMuLaw(audio.Resample(raw, sampleRate, mediaSampleRate))
	}
	return nil
}

func (s *stream) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return errorsx.Errorf(errorsx.ReasonTransportSend, "twilio stream closed")
	}
	select {
	case s.sendCh <- b:
		return nil
	default:
		return errorsx.Errorf(errorsx.ReasonTransportSend, "twilio send buffer full")
	}
}

func (s *stream) writeLoop() {
	for msg := range s.sendCh {
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.t.logger.Debug("twilio_write_failed", "error", err.Error())
		}
	}
	_ = s.conn.Close()
}

func (s *stream) close() {
	s.sendMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.sendCh)
	}
	s.sendMu.Unlock()
}

type TwilioStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type TwilioMedia struct {
	Payload string `json:"payload"`
}

type TwilioStop struct {
	Reason string `json:"reason"`
}

type TwilioEvent struct {
	Event string       `json:"event"`
	Start *TwilioStart `json:"start,omitempty"`
	Media *TwilioMedia `json:"media,omitempty"`
	Stop  *TwilioStop  `json:"stop,omitempty"`
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress", "initiated":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var (
	fallbackOnce  sync.Once
	fallbackBytes []byte
)

// fallbackMuLaw is 100 ms of mu-law silence.
func fallbackMuLaw() []byte {
	fallbackOnce.Do(func() {
		fallbackBytes = bytes.Repeat([]byte{0xFF}, mediaFrameBytes*5)
	})
	return fallbackBytes
}

var (
	_ transports.Transport     = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
	_ sequencer.Emitter        = (*stream)(nil)
)
