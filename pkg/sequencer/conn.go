package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/hrcall/pkg/adapters/tts"
	"github.com/harunnryd/hrcall/pkg/audio"
	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/errorsx"
	"github.com/harunnryd/hrcall/pkg/flow"
	"github.com/harunnryd/hrcall/pkg/llm"
	"github.com/harunnryd/hrcall/pkg/logging"
	"github.com/harunnryd/hrcall/pkg/metrics"
	"github.com/harunnryd/hrcall/pkg/redact"
	"github.com/harunnryd/hrcall/pkg/vad"
)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdAudio
	cmdHint
	cmdEnd
)

type command struct {
	kind cmdKind
	pcm  []byte
	at   time.Time
}

// Conn is the call loop of one client connection. Transports feed it
// through Start, Audio, Hint, End and Close; all call state is owned by the
// goroutine running Run.
type Conn struct {
	id     string
	seq    *Sequencer
	out    Emitter
	logger *slog.Logger

	cmds      chan command
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	busy    atomic.Bool
	ends    atomic.Int32
	closing atomic.Bool
	current atomic.Value

	callID    string
	callCtx   context.Context
	flow      *flow.Controller
	det       *vad.Detector
	buf       *audio.Buffer
	turnTimer *time.Timer
	callTimer *time.Timer
}

func newConn(s *Sequencer, id string, out Emitter) *Conn {
	if out == nil {
		out = EmitterFunc(func(context.Context, Event) error { return nil })
	}
	c := &Conn{
		id:     id,
		seq:    s,
		out:    out,
		logger: logging.NewComponentLogger(s.logger, "sequencer").With("connection_id", id),
		cmds:   make(chan command, s.cfg.QueueSize),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.current.Store("")
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// CallID returns the id of the open call, or "".
func (c *Conn) CallID() string {
	id, _ := c.current.Load().(string)
	return id
}

// Active reports whether a call is open on this connection.
func (c *Conn) Active() bool { return c.CallID() != "" }

// Done is closed when Run returns.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Start asks for a new call.
func (c *Conn) Start() {
	select {
	case c.cmds <- command{kind: cmdStart}:
	case <-c.done:
	}
}

// Audio feeds one PCM16LE chunk stamped with the arrival time.
func (c *Conn) Audio(pcm []byte) bool {
	return c.AudioAt(pcm, time.Now())
}

// AudioAt feeds one PCM16LE chunk stamped at at. It reports false when the
// chunk was dropped because a turn is being processed, the call is ending
// or the queue is full.
func (c *Conn) AudioAt(pcm []byte, at time.Time) bool {
	if len(pcm) == 0 {
		return false
	}
	if c.busy.Load() || c.endRequested() {
		c.dropped("busy")
		return false
	}
	chunk := make([]byte, len(pcm))
	copy(chunk, pcm)
	select {
	case c.cmds <- command{kind: cmdAudio, pcm: chunk, at: at}:
		return true
	case <-c.done:
		return false
	default:
		c.dropped("queue_full")
		return false
	}
}

// Hint records the client's "finished speaking" signal.
func (c *Conn) Hint() {
	select {
	case c.cmds <- command{kind: cmdHint, at: time.Now()}:
	default:
	}
}

// End requests the call to finish. Audio is refused from now on; the end
// itself is queued behind any command sent before it.
func (c *Conn) End() {
	c.ends.Add(1)
	select {
	case c.cmds <- command{kind: cmdEnd}:
	case <-c.done:
	}
}

// Close tells the loop the client is gone. An open call is finished with
// reason disconnected and Run returns.
func (c *Conn) Close() {
	c.closing.Store(true)
	c.closeOnce.Do(func() { close(c.closed) })
}

// Run consumes commands until Close or ctx is done.
func (c *Conn) Run(ctx context.Context) error {
	defer close(c.done)
	c.emit(ctx, EventConnected, ConnectedData{ConnectionID: c.id})
	for {
		select {
		case <-ctx.Done():
			c.finish(ctx, call.EndShutdown)
			return ctx.Err()
		case <-c.closed:
			c.finish(ctx, call.EndDisconnected)
			return nil
		case cmd := <-c.cmds:
			c.handle(ctx, cmd)
		case <-timerC(c.turnTimer):
			c.turnTimer = nil
			c.onTurnTimeout(ctx)
		case <-timerC(c.callTimer):
			c.callTimer = nil
			c.logger.Info("max_call_duration_reached", "call_id", c.callID)
			c.finish(ctx, call.EndMaxDuration)
		}
	}
}

func (c *Conn) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdStart:
		c.handleStart(ctx)
	case cmdAudio:
		c.handleAudio(ctx, cmd)
	case cmdEnd:
		c.handleEnd(ctx)
	case cmdHint:
		c.logger.Debug("client_finished_speaking", "call_id", c.callID, "speaking", c.det != nil && c.det.Speaking())
		metrics.Emit(c.tagCtx(), c.seq.deps.Observer, metrics.EventClientHint, 1, nil, nil)
	}
}

func (c *Conn) handleStart(ctx context.Context) {
	callID, err := c.seq.deps.Registry.Begin(c.id)
	if err != nil {
		c.logger.Warn("call_start_rejected", "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		c.emitError(ctx, err)
		return
	}
	cfg := c.seq.cfg
	c.callID = callID
	c.current.Store(callID)
	c.callCtx = metrics.WithTags(ctx, map[string]string{"call_id": callID, "connection_id": c.id})
	c.flow = flow.NewController(cfg.Flow)
	c.flow.AddListener(flow.ListenerFunc(c.onTransition))
	c.det = vad.New(cfg.VAD)
	c.buf = audio.NewBuffer(cfg.SampleRate, cfg.MaxTurn+c.det.Config().HoldOff()+time.Second)
	if cfg.MaxCall > 0 {
		c.callTimer = time.NewTimer(cfg.MaxCall)
	}
	metrics.Emit(c.callCtx, c.seq.deps.Observer, metrics.EventCallStarted, 1, nil, nil)
	c.logger.Info("call_started", "call_id", callID)
	c.emit(ctx, EventCallStarted, CallStartedData{CallID: callID})
	c.process(ctx, func() { c.greet(c.callCtx) })
}

func (c *Conn) handleEnd(ctx context.Context) {
	c.ends.Add(-1)
	if c.callID == "" {
		c.emitError(ctx, errorsx.Wrap(errors.New("end requested without a call"), errorsx.ReasonNoActiveSession))
		return
	}
	c.finish(ctx, call.EndUserEnded)
}

func (c *Conn) handleAudio(ctx context.Context, cmd command) {
	if c.callID == "" || c.endRequested() {
		return
	}
	obs := c.seq.deps.Observer
	metrics.Emit(c.callCtx, obs, metrics.EventAudioIn, float64(len(cmd.pcm)), nil, nil)
	wasSpeaking := c.det.Speaking()
	ev, ok := c.det.Observe(vad.Sample{Energy: audio.RMS(cmd.pcm), At: cmd.at})
	if wasSpeaking || (ok && ev.Kind == vad.SpeechStarted) {
		c.buf.Write(cmd.pcm, cmd.at)
	}
	if !ok {
		return
	}
	switch ev.Kind {
	case vad.SpeechStarted:
		metrics.Emit(c.callCtx, obs, metrics.EventSpeechStarted, 1, nil, nil)
		c.stopTurnTimer()
		c.turnTimer = time.NewTimer(c.seq.cfg.MaxTurn)
	case vad.SpeechEnded:
		c.stopTurnTimer()
		c.endOfTurn(ctx, "silence")
	}
}

func (c *Conn) onTurnTimeout(ctx context.Context) {
	if c.callID == "" || c.det == nil || c.endRequested() {
		return
	}
	if _, ok := c.det.ForceEnd(time.Now()); !ok {
		return
	}
	c.logger.Info("max_turn_reached", "call_id", c.callID)
	c.endOfTurn(ctx, "max_turn")
}

func (c *Conn) endOfTurn(ctx context.Context, cause string) {
	metrics.Emit(c.callCtx, c.seq.deps.Observer, metrics.EventSpeechEnded, 1, map[string]string{"cause": cause}, nil)
	seg := c.buf.Flush()
	c.process(ctx, func() { c.processTurn(ctx, seg) })
}

// process runs fn with audio capture suspended, then drops whatever audio
// queued up meanwhile.
func (c *Conn) process(ctx context.Context, fn func()) {
	c.busy.Store(true)
	fn()
	if c.det != nil {
		c.det.Reset()
	}
	if c.buf != nil {
		c.buf.Reset()
	}
	var deferred []command
	for drained := false; !drained; {
		select {
		case cmd := <-c.cmds:
			if cmd.kind == cmdAudio {
				c.dropped("processing")
				continue
			}
			deferred = append(deferred, cmd)
		default:
			drained = true
		}
	}
	c.busy.Store(false)
	for _, cmd := range deferred {
		c.handle(ctx, cmd)
	}
}

func (c *Conn) processTurn(ctx context.Context, seg audio.Segment) {
	obs := c.seq.deps.Observer
	cctx := c.callCtx
	if seg.Empty() {
		metrics.Emit(cctx, obs, metrics.EventTurnDiscarded, 1, map[string]string{"cause": "no_audio"}, nil)
		return
	}

	c.emit(ctx, EventProcessing, ProcessingData{Status: StatusTranscribing})
	start := time.Now()
	text, err := guarded(cctx, c.seq.stt, func(ctx context.Context) (string, error) {
		return c.seq.deps.Transcriber.Transcribe(ctx, seg)
	})
	if err != nil {
		if ctx.Err() == nil {
			c.emitError(ctx, err)
		}
		return
	}
	metrics.Emit(cctx, obs, metrics.EventSTTDone, msSince(start), nil, map[string]any{"audio_seconds": seg.Duration().Seconds()})

	text = strings.TrimSpace(text)
	if text == "" {
		c.logger.Debug("turn_discarded", "call_id", c.callID, "cause", "empty_transcript")
		metrics.Emit(cctx, obs, metrics.EventTurnDiscarded, 1, map[string]string{"cause": "empty_transcript"}, nil)
		return
	}
	d, err := c.flow.Decide(text)
	if err != nil {
		c.logger.Warn("turn_after_end", "call_id", c.callID, "error", err.Error())
		return
	}
	if d.Discarded {
		metrics.Emit(cctx, obs, metrics.EventTurnDiscarded, 1, map[string]string{"cause": "before_greeting"}, nil)
		c.greet(cctx)
		return
	}
	if err := c.appendTurn(call.SpeakerHuman, text); err != nil {
		return
	}
	c.logger.Info("user_spoke", "call_id", c.callID, "text", redact.Text(text))
	c.emit(ctx, EventUserSpoke, UserSpokeData{Text: text})
	if c.endRequested() {
		return
	}

	c.emit(ctx, EventProcessing, ProcessingData{Status: StatusGeneratingResponse})
	reply, err := c.reply(cctx, d.Intent)
	if err != nil {
		if ctx.Err() == nil {
			c.emitError(ctx, err)
		}
		return
	}
	if err := c.appendTurn(call.SpeakerAgent, reply); err != nil {
		return
	}
	if err := c.flow.Commit(d); err != nil {
		c.logger.Error("flow_commit_failed", "call_id", c.callID, "error", err.Error())
		return
	}
	if err := c.seq.deps.Registry.SetStage(c.id, d.Stage); err != nil {
		c.logger.Error("stage_update_failed", "call_id", c.callID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
	}
	if c.endRequested() {
		return
	}
	c.speak(cctx, reply)

	if d.CallShouldEnd {
		reason := call.EndCompleted
		if d.EndPhrase != "" {
			reason = call.EndPhrase
		}
		c.finish(ctx, reason)
	}
}

func (c *Conn) greet(ctx context.Context) {
	intent := c.flow.Stages()[0].Intent
	reply, err := c.reply(ctx, intent)
	if err != nil {
		c.emitError(ctx, err)
		return
	}
	c.flow.Greeting()
	if err := c.appendTurn(call.SpeakerAgent, reply); err != nil {
		return
	}
	c.speak(ctx, reply)
}

// reply generates and trims the agent line for intent.
func (c *Conn) reply(ctx context.Context, intent string) (string, error) {
	sess, ok := c.seq.deps.Registry.Get(c.id)
	if !ok {
		return "", errorsx.Wrap(errors.New("session vanished"), errorsx.ReasonNoActiveSession)
	}
	start := time.Now()
	text, err := guarded(ctx, c.seq.llm, func(ctx context.Context) (string, error) {
		out, err := c.seq.deps.Generator.GenerateReply(ctx, intent, sess.Transcript)
		if err != nil {
			return "", err
		}
		out = llm.LimitReply(out, c.seq.cfg.ReplyMaxSentences, c.seq.cfg.ReplyMaxChars)
		if out == "" {
			return "", errors.New("empty reply")
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}
	metrics.Emit(ctx, c.seq.deps.Observer, metrics.EventLLMDone, msSince(start), nil, nil)
	return text, nil
}

// speak synthesizes text and emits agentSpeaking. A synthesis failure
// still emits the text so the client can render it locally.
func (c *Conn) speak(ctx context.Context, text string) {
	c.emit(ctx, EventProcessing, ProcessingData{Status: StatusGeneratingAudio})
	start := time.Now()
	clip, err := guarded(ctx, c.seq.tts, func(ctx context.Context) (*tts.Audio, error) {
		return c.seq.deps.Synthesizer.Synthesize(ctx, text)
	})
	data := AgentSpeakingData{Text: text}
	if err != nil {
		c.emitError(ctx, err)
	} else {
		metrics.Emit(ctx, c.seq.deps.Observer, metrics.EventTTSDone, msSince(start), nil, map[string]any{"audio_seconds": clipSeconds(clip)})
		if !clip.Empty() {
			data.Audio = clip.Base64()
			data.Format = clip.Format
			data.SampleRate = clip.SampleRate
			data.Raw = clip.Data
		}
	}
	c.emit(ctx, EventAgentSpeaking, data)
}

// finish closes the open call, persists it and reports it to the client.
func (c *Conn) finish(ctx context.Context, reason call.EndReason) {
	if c.callID == "" {
		return
	}
	c.stopTurnTimer()
	if c.callTimer != nil {
		c.callTimer.Stop()
		c.callTimer = nil
	}
	cctx := context.WithoutCancel(c.callCtx)
	defer c.reset()

	sess, err := c.seq.deps.Registry.End(c.id)
	if err != nil {
		c.logger.Warn("call_end_failed", "call_id", c.callID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		return
	}
	defer c.seq.deps.Registry.Remove(c.id)

	summary := c.summarize(cctx, sess.Transcript)
	record := sess.Completed(summary)
	record.EndReason = reason
	stats := c.persist(cctx, record)

	metrics.Emit(cctx, c.seq.deps.Observer, metrics.EventCallEnded, float64(record.DurationSeconds),
		map[string]string{"end_reason": string(reason)},
		map[string]any{"stage_reached": record.StageReached, "turns": len(record.Transcript)},
	)
	c.logger.Info("call_ended",
		"call_id", record.ID,
		"end_reason", string(reason),
		"duration_seconds", record.DurationSeconds,
		"turns", len(record.Transcript),
		"stage_reached", record.StageReached,
	)
	c.emit(cctx, EventCallEnded, CallEndedData{
		CallID:     record.ID,
		Summary:    record.Summary,
		Stats:      stats,
		Transcript: llm.FormatTranscript(record.Transcript),
		Duration:   record.DurationSeconds,
		EndReason:  reason,
	})
}

func (c *Conn) summarize(ctx context.Context, transcript []call.Turn) string {
	summary, err := guarded(ctx, c.seq.llm, func(ctx context.Context) (string, error) {
		return c.seq.deps.Generator.GenerateSummary(ctx, transcript)
	})
	if err == nil {
		summary = strings.TrimSpace(summary)
	}
	if err != nil || summary == "" {
		if err != nil {
			c.logger.Warn("summary_failed", "call_id", c.callID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		}
		return llm.SummaryUnavailable
	}
	return summary
}

// persist saves record and returns the refreshed stats, or nil when either
// step failed.
func (c *Conn) persist(ctx context.Context, record call.Completed) *call.Stats {
	obs := c.seq.deps.Observer
	pctx, cancel := context.WithTimeout(ctx, c.seq.cfg.PersistTimeout)
	defer cancel()
	if _, err := c.seq.deps.Store.Save(pctx, record); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonPersistenceFailure)
		metrics.Emit(ctx, obs, metrics.EventPersisted, 1, map[string]string{"outcome": "error"}, nil)
		c.logger.Error("call_persist_failed", "call_id", record.ID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		c.emitError(ctx, err)
		return nil
	}
	metrics.Emit(ctx, obs, metrics.EventPersisted, 1, map[string]string{"outcome": "ok"}, nil)
	stats, err := c.seq.deps.Store.Stats(pctx)
	if err != nil {
		c.logger.Warn("call_stats_failed", "call_id", record.ID, "error", err.Error())
		return nil
	}
	return &stats
}

func (c *Conn) appendTurn(speaker call.Speaker, text string) error {
	err := c.seq.deps.Registry.AppendTurn(c.id, call.Turn{Speaker: speaker, Text: text})
	if err != nil {
		c.logger.Error("turn_append_failed", "call_id", c.callID, "speaker", string(speaker), "reason_code", string(errorsx.Reason(err)), "error", err.Error())
	}
	return err
}

func (c *Conn) onTransition(tr flow.Transition) {
	stages := c.flow.Stages()
	name := ""
	if tr.To >= 0 && tr.To < len(stages) {
		name = stages[tr.To].Name
	}
	if tr.To != tr.From {
		metrics.Emit(c.callCtx, c.seq.deps.Observer, metrics.EventStageAdvanced, float64(tr.To),
			map[string]string{"stage": name},
			map[string]any{"from": tr.From, "reason": tr.Reason},
		)
	}
	c.logger.Debug("stage_transition", "call_id", c.callID, "from", tr.From, "to", tr.To, "stage", name, "ended", tr.Ended, "reason", tr.Reason)
}

func (c *Conn) reset() {
	c.stopTurnTimer()
	c.callID = ""
	c.current.Store("")
	c.flow = nil
	c.det = nil
	c.buf = nil
}

// endRequested reports whether an End is queued or the client is gone.
func (c *Conn) endRequested() bool {
	return c.ends.Load() > 0 || c.closing.Load()
}

func (c *Conn) stopTurnTimer() {
	if c.turnTimer != nil {
		c.turnTimer.Stop()
		c.turnTimer = nil
	}
}

func (c *Conn) dropped(cause string) {
	metrics.Emit(c.tagCtx(), c.seq.deps.Observer, metrics.EventAudioDropped, 1, map[string]string{"cause": cause}, nil)
}

// tagCtx is safe to call from transport goroutines.
func (c *Conn) tagCtx() context.Context {
	tags := map[string]string{"connection_id": c.id}
	if id := c.CallID(); id != "" {
		tags["call_id"] = id
	}
	return metrics.WithTags(context.Background(), tags)
}

func (c *Conn) emit(ctx context.Context, name string, data any) {
	if err := c.out.Emit(ctx, Event{Name: name, Data: data}); err != nil {
		c.logger.Debug("event_send_failed", "event", name, "reason_code", string(errorsx.ReasonTransportSend), "error", err.Error())
	}
}

func (c *Conn) emitError(ctx context.Context, err error) {
	c.emit(ctx, EventError, ErrorData{Message: errorsx.UserMessage(err)})
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Milliseconds())
}

// clipSeconds estimates playback length for raw formats.
func clipSeconds(a *tts.Audio) float64 {
	if a.Empty() || a.SampleRate <= 0 {
		return 0
	}
	switch {
	case strings.HasPrefix(a.Format, "pcm"):
		return float64(len(a.Data)) / 2 / float64(a.SampleRate)
	case strings.HasPrefix(a.Format, "ulaw"), strings.HasPrefix(a.Format, "mulaw"):
		return float64(len(a.Data)) / float64(a.SampleRate)
	}
	return 0
}
