package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/hrcall/pkg/metrics"
)

// TurnLatency is the stage breakdown of one agent turn in milliseconds.
// A value of -1 means the stage did not run.
type TurnLatency struct {
	CallID  string
	STTMs   int64
	LLMMs   int64
	TTSMs   int64
	TotalMs int64
}

// LatencyObserver stitches per-turn stage events into a single latency log
// line per turn.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
	last   map[string]TurnLatency
}

type trace struct {
	speechEnd time.Time
	sttDone   time.Time
	llmDone   time.Time
	ttsDone   time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		last:   make(map[string]TurnLatency),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ev.Tags["call_id"]
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if ev.Name == metrics.EventCallEnded {
		delete(o.traces, callID)
		delete(o.last, callID)
		return
	}
	t := o.traces[callID]
	if t == nil {
		t = &trace{}
		o.traces[callID] = t
	}
	switch ev.Name {
	case metrics.EventSpeechEnded:
		*t = trace{speechEnd: ev.Time}
	case metrics.EventSTTDone:
		t.sttDone = ev.Time
	case metrics.EventLLMDone:
		t.llmDone = ev.Time
	case metrics.EventTTSDone:
		t.ttsDone = ev.Time
		o.logTurnLocked(callID, t)
		delete(o.traces, callID)
	}
}

// Last returns the most recent turn latency recorded for a call.
func (o *LatencyObserver) Last(callID string) (TurnLatency, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.last[callID]
	return l, ok
}

func (o *LatencyObserver) logTurnLocked(callID string, t *trace) {
	// Greeting turns have no utterance; total starts at the first stage seen.
	start := t.speechEnd
	for _, ts := range []time.Time{t.sttDone, t.llmDone} {
		if start.IsZero() {
			start = ts
		}
	}
	l := TurnLatency{
		CallID:  callID,
		STTMs:   durationMs(t.speechEnd, t.sttDone),
		LLMMs:   durationMs(t.sttDone, t.llmDone),
		TTSMs:   durationMs(t.llmDone, t.ttsDone),
		TotalMs: durationMs(start, t.ttsDone),
	}
	o.last[callID] = l
	o.log.Info("turn_latency",
		"call_id", callID,
		"stt_ms", l.STTMs,
		"llm_ms", l.LLMMs,
		"tts_ms", l.TTSMs,
		"total_ms", l.TotalMs,
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}

var _ metrics.Observer = (*LatencyObserver)(nil)
