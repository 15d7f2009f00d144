package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/hrcall/pkg/metrics"
)

// UsageSummary is the per-call vendor usage written when a call ends.
type UsageSummary struct {
	CallID        string  `json:"call_id"`
	STTAudioSec   float64 `json:"stt_audio_seconds"`
	TTSAudioSec   float64 `json:"tts_audio_seconds"`
	LLMTokenCount int     `json:"llm_tokens"`
	AdapterCalls  int     `json:"adapter_calls"`
	AdapterErrors int     `json:"adapter_errors"`
	DroppedChunks int     `json:"dropped_audio_chunks"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

// UsageObserver accumulates vendor usage per call and writes
// {dir}/{call_id}.usage.json on call end.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	id := ev.Tags["call_id"]
	if id == "" {
		return
	}

	o.mu.Lock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{CallID: id}
		o.stats[id] = stat
	}
	switch ev.Name {
	case metrics.EventSTTDone:
		stat.STTAudioSec += floatField(ev.Fields, "audio_seconds")
	case metrics.EventTTSDone:
		stat.TTSAudioSec += floatField(ev.Fields, "audio_seconds")
	case metrics.EventLLMUsage:
		stat.LLMTokenCount += int(ev.Value)
	case metrics.EventAdapterCall:
		stat.AdapterCalls++
		if ev.Tags["outcome"] != "ok" {
			stat.AdapterErrors++
		}
	case metrics.EventAudioDropped:
		stat.DroppedChunks++
	case metrics.EventCallEnded:
		delete(o.stats, id)
		o.mu.Unlock()
		_ = o.write(stat)
		return
	}
	o.mu.Unlock()
}

// Summary returns a copy of the in-flight usage for a call.
func (o *UsageObserver) Summary(callID string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat, ok := o.stats[callID]
	if !ok {
		return UsageSummary{}, false
	}
	return *stat, true
}

// Close writes usage for calls that never reported an end.
func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	pending := o.stats
	o.stats = make(map[string]*UsageSummary)
	o.mu.Unlock()

	var errOut error
	for _, stat := range pending {
		errOut = errors.Join(errOut, o.write(stat))
	}
	return errOut
}

func (o *UsageObserver) write(stat *UsageSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(o.dir, sanitizeID(stat.CallID)+".usage.json")
	return os.WriteFile(path, b, 0o644)
}

func floatField(fields map[string]any, key string) float64 {
	switch v := fields[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

var _ metrics.Observer = (*UsageObserver)(nil)
