// Package observers holds metrics sinks that are not tied to a storage
// format.
package observers

import (
	"context"
	"log/slog"
	"sort"

	"github.com/harunnryd/voxgate/pkg/logging"
	"github.com/harunnryd/voxgate/pkg/metrics"
)

// LoggerObserver writes metrics events to a structured logger. Refused
// sessions are logged at WARN regardless of the configured level.
type LoggerObserver struct {
	log   *slog.Logger
	level slog.Level
}

func NewLoggerObserver(log *slog.Logger, level slog.Level) *LoggerObserver {
	return &LoggerObserver{log: logging.NewComponentLogger(log, "metrics"), level: level}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := o.level
	if ev.Name == metrics.EventSessionRefused && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(ev.Tags)+len(ev.Fields)+2)
	attrs = append(attrs, slog.String("name", ev.Name), slog.Float64("value", ev.Value))
	for _, k := range sortedKeys(ev.Tags) {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for _, k := range sortedKeys(ev.Fields) {
		attrs = append(attrs, slog.Any(k, ev.Fields[k]))
	}
	o.log.LogAttrs(ctx, level, "metrics_event", attrs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MultiObserver fans an event out to every non-nil observer.
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
