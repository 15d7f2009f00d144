// Package observers turns call events into logs, per-call artifacts and
// Prometheus series.
package observers

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/harunnryd/hrcall/pkg/metrics"
)

// LoggerObserver logs every event at debug level, and call lifecycle events
// at info level.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	attrs := []slog.Attr{
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	level := slog.LevelDebug
	switch ev.Name {
	case metrics.EventCallStarted, metrics.EventCallEnded, metrics.EventPersisted:
		level = slog.LevelInfo
	case metrics.EventBreakerDenied, metrics.EventRateLimit:
		level = slog.LevelWarn
	}
	o.log.LogAttrs(context.Background(), level, ev.Name, attrs...)
}

// MultiObserver fans events out to several observers.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Close closes every child that implements io.Closer.
func (m *MultiObserver) Close() error {
	var errs error
	for _, obs := range m.list {
		if c, ok := obs.(io.Closer); ok {
			errs = errors.Join(errs, c.Close())
		}
	}
	return errs
}
