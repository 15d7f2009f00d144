// Package metrics carries call events from the sequencer and adapters to
// observers (logs, timelines, usage files, Prometheus).
package metrics

import (
	"context"
	"time"
)

// Event names emitted by the call pipeline.
const (
	EventCallStarted   = "call_started"
	EventCallEnded     = "call_ended"
	EventAudioIn       = "audio_in"
	EventAudioDropped  = "audio_dropped"
	EventSpeechStarted = "speech_started"
	EventSpeechEnded   = "speech_ended"
	EventTurnDiscarded = "turn_discarded"
	EventSTTDone       = "stt_done"
	EventLLMDone       = "llm_done"
	EventLLMUsage      = "llm_usage"
	EventTTSDone       = "tts_done"
	EventAdapterCall   = "adapter_call"
	EventStageAdvanced = "stage_advanced"
	EventPersisted     = "call_persisted"
	EventBreakerDenied = "breaker_denied"
	EventRateLimit     = "rate_limit"
	EventClientHint    = "client_hint"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

type ObserverFunc func(MetricsEvent)

func (f ObserverFunc) RecordEvent(ev MetricsEvent) { f(ev) }

type tagsKey struct{}

// WithTags returns a context carrying tags merged over any already present.
// Adapters use it to attribute events to a call without knowing about calls.
func WithTags(ctx context.Context, tags map[string]string) context.Context {
	merged := make(map[string]string, len(tags))
	for k, v := range TagsFrom(ctx) {
		merged[k] = v
	}
	for k, v := range tags {
		merged[k] = v
	}
	return context.WithValue(ctx, tagsKey{}, merged)
}

// TagsFrom returns a copy of the tags stored in ctx.
func TagsFrom(ctx context.Context) map[string]string {
	if ctx == nil {
		return map[string]string{}
	}
	tags, _ := ctx.Value(tagsKey{}).(map[string]string)
	out := make(map[string]string, len(tags)+2)
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// Emit records an event stamped now with the context tags plus extra.
func Emit(ctx context.Context, obs Observer, name string, value float64, extra map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	tags := TagsFrom(ctx)
	for k, v := range extra {
		tags[k] = v
	}
	obs.RecordEvent(MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  value,
		Tags:   tags,
		Fields: fields,
	})
}
