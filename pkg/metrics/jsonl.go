package metrics

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLObserver appends one JSON object per event to w. Events from every
// call share the stream; call_id and connection_id are lifted out of the tags.
type JSONLObserver struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

type jsonlRecord struct {
	Time         time.Time         `json:"time"`
	Event        string            `json:"event"`
	Value        float64           `json:"value"`
	CallID       string            `json:"call_id,omitempty"`
	ConnectionID string            `json:"connection_id,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Fields       map[string]any    `json:"fields,omitempty"`
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{enc: json.NewEncoder(w)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	rec := jsonlRecord{
		Time:   ev.Time.UTC(),
		Event:  ev.Name,
		Value:  ev.Value,
		Fields: ev.Fields,
	}
	for k, v := range ev.Tags {
		switch k {
		case "call_id":
			rec.CallID = v
		case "connection_id":
			rec.ConnectionID = v
		default:
			if rec.Tags == nil {
				rec.Tags = make(map[string]string, len(ev.Tags))
			}
			rec.Tags[k] = v
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return
	}
	// A failed write leaves the stream unusable; later events are dropped.
	o.err = o.enc.Encode(rec)
}

// Err reports the first write error, if any.
func (o *JSONLObserver) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
