package metrics

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLObserver appends one JSON object per event. Tags and fields are
// flattened next to name, ts and value; tags win on key collisions.
type JSONLObserver struct {
	mu  sync.Mutex
	buf *bufio.Writer
	enc *json.Encoder
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	buf := bufio.NewWriter(w)
	return &JSONLObserver{buf: buf, enc: json.NewEncoder(buf)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	line := make(map[string]any, len(ev.Tags)+len(ev.Fields)+3)
	for k, v := range ev.Fields {
		line[k] = v
	}
	for k, v := range ev.Tags {
		line[k] = v
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	line["ts"] = ts.UTC().Format(time.RFC3339Nano)
	line["name"] = ev.Name
	line["value"] = ev.Value

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.enc.Encode(line); err != nil {
		return
	}
	// Lifecycle events are rare; flush them so a crash does not lose the tail.
	if ev.Name == EventSessionClosed || ev.Name == EventSessionRefused {
		_ = o.buf.Flush()
	}
}

func (o *JSONLObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Flush()
}

var _ Flusher = (*JSONLObserver)(nil)
