package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the generic envelope used both as a topic payload when
// producers want structured events rather than raw bytes, and as the
// wire format for the optional NATS side channel (see nats.go). It
// merges the teacher's two near-identical envelopes (shared/events and
// pkg/messaging) into one.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateID   string          `json:"aggregate_id,omitempty"`
	AggregateType string          `json:"aggregate_type,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	Data          json.RawMessage `json:"data"`
	Metadata      EventMetadata   `json:"metadata,omitempty"`
}

// EventMetadata carries tracing and causation context alongside an event.
type EventMetadata struct {
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	Source        string            `json:"source,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	SpanID        string            `json:"span_id,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// NewEvent builds an Event with a fresh id and the given data marshaled
// into the Data field.
func NewEvent(eventType, aggregateID, aggregateType string, data interface{}, meta EventMetadata) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Timestamp:     time.Now().UTC(),
		Version:       1,
		Data:          raw,
		Metadata:      meta,
	}, nil
}

// ParseEventData unmarshals an Event's Data field into T.
func ParseEventData[T any](e *Event) (T, error) {
	var out T
	err := json.Unmarshal(e.Data, &out)
	return out, err
}

// EncodeEvent marshals an Event to its wire form for topic content or
// the NATS side channel.
func EncodeEvent(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent unmarshals wire bytes back into an Event.
func DecodeEvent(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
