package observers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/harunnryd/hrcall/pkg/metrics"
)

// PrometheusObserver exports call events as Prometheus series.
type PrometheusObserver struct {
	ActiveCalls     prometheus.Gauge
	CallsTotal      *prometheus.CounterVec
	CallDuration    prometheus.Histogram
	AdapterLatency  *prometheus.HistogramVec
	AdapterErrors   *prometheus.CounterVec
	AudioDropped    prometheus.Counter
	TurnsDiscarded  prometheus.Counter
	StageAdvances   *prometheus.CounterVec
	BreakerDenials  *prometheus.CounterVec
	PersistFailures prometheus.Counter
}

// NewPrometheusObserver registers the collectors on reg. Passing a fresh
// registry per test avoids duplicate registration.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	f := promauto.With(reg)
	return &PrometheusObserver{
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "hrcall_active_calls",
			Help: "Current number of calls in progress",
		}),
		CallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hrcall_calls_total",
			Help: "Total number of finished calls by end reason",
		}, []string{"reason"}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hrcall_call_duration_seconds",
			Help:    "Duration of finished calls",
			Buckets: []float64{10, 30, 60, 120, 180, 300, 450, 600},
		}),
		AdapterLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hrcall_adapter_latency_seconds",
			Help:    "Latency of STT, LLM and TTS adapter calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"adapter", "provider"}),
		AdapterErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hrcall_adapter_errors_total",
			Help: "Total number of failed adapter calls",
		}, []string{"adapter", "provider", "reason"}),
		AudioDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "hrcall_audio_dropped_total",
			Help: "Audio chunks dropped while a turn was being processed",
		}),
		TurnsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "hrcall_turns_discarded_total",
			Help: "Captured utterances discarded as noise",
		}),
		StageAdvances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hrcall_stage_advances_total",
			Help: "Committed conversation stage transitions",
		}, []string{"stage"}),
		BreakerDenials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hrcall_breaker_denials_total",
			Help: "Adapter calls refused by an open circuit breaker",
		}, []string{"adapter"}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "hrcall_persist_failures_total",
			Help: "Finished calls that could not be saved",
		}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	if p == nil {
		return
	}
	switch ev.Name {
	case metrics.EventCallStarted:
		p.ActiveCalls.Inc()
	case metrics.EventCallEnded:
		p.ActiveCalls.Dec()
		reason := ev.Tags["end_reason"]
		if reason == "" {
			reason = "unknown"
		}
		p.CallsTotal.WithLabelValues(reason).Inc()
		p.CallDuration.Observe(ev.Value)
	case metrics.EventAdapterCall:
		adapter, provider := ev.Tags["adapter"], ev.Tags["provider"]
		p.AdapterLatency.WithLabelValues(adapter, provider).Observe(ev.Value / 1000)
		if outcome := ev.Tags["outcome"]; outcome != "ok" {
			p.AdapterErrors.WithLabelValues(adapter, provider, outcome).Inc()
		}
	case metrics.EventAudioDropped:
		p.AudioDropped.Inc()
	case metrics.EventTurnDiscarded:
		p.TurnsDiscarded.Inc()
	case metrics.EventStageAdvanced:
		p.StageAdvances.WithLabelValues(ev.Tags["stage"]).Inc()
	case metrics.EventBreakerDenied:
		p.BreakerDenials.WithLabelValues(ev.Tags["adapter"]).Inc()
	case metrics.EventPersisted:
		if ev.Tags["outcome"] != "ok" {
			p.PersistFailures.Inc()
		}
	}
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
