package metrics

import "time"

// Event names recorded by the gateway.
const (
	EventSessionOpened  = "session_opened"
	EventSessionRefused = "session_refused"
	EventUpstreamOpen   = "upstream_open_ms"
	EventTranscript     = "transcript"
	EventSessionClosed  = "session_closed"
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

// Record is a shorthand for a session-scoped event. A nil observer is ignored.
func Record(obs Observer, name, sessionID string, value float64, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  value,
		Tags:   map[string]string{"session_id": sessionID},
		Fields: fields,
	})
}
