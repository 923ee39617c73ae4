package protocol

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Delivery is a validated inbound envelope. Its fields are unexported so
// subscribers cannot mutate what other subscribers see; Data and RawData
// return copies.
type Delivery struct {
	handlerID     string
	eventID       string
	correlationID string
	ts            time.Time
	data          json.RawMessage
}

// HandlerID returns the id of the server handler that produced the envelope.
func (d *Delivery) HandlerID() string { return d.handlerID }

// EventID returns the server-assigned event id.
func (d *Delivery) EventID() string { return d.eventID }

// CorrelationID returns the correlation id the envelope belongs to.
func (d *Delivery) CorrelationID() string { return d.correlationID }

// TS returns the server timestamp.
func (d *Delivery) TS() time.Time { return d.ts }

// RawData returns a copy of the JSON object payload.
func (d *Delivery) RawData() json.RawMessage { return slices.Clone(d.data) }

// Data decodes the payload into a fresh map.
func (d *Delivery) Data() map[string]any {
	out := make(map[string]any)
	_ = json.Unmarshal(d.data, &out)
	return out
}

// Decode unmarshals the payload into v.
func (d *Delivery) Decode(v any) error {
	return json.Unmarshal(d.data, v)
}

// MarshalJSON renders the delivery in its wire shape.
func (d *Delivery) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		HandlerID     string          `json:"handlerId"`
		EventID       string          `json:"eventId"`
		CorrelationID string          `json:"correlationId"`
		TS            string          `json:"ts"`
		Data          json.RawMessage `json:"data"`
	}{d.handlerID, d.eventID, d.correlationID, d.ts.Format(time.RFC3339Nano), d.data})
}

// NewDelivery builds a delivery from its parts, for peers that produce
// envelopes. The same field rules as ValidateServerEnvelope apply.
func NewDelivery(handlerID, eventID, correlationID string, ts time.Time, data any) (*Delivery, error) {
	for name, v := range map[string]string{"handlerId": handlerID, "eventId": eventID, "correlationId": correlationID} {
		if strings.TrimSpace(v) == "" {
			return nil, &EnvelopeError{Field: name, Reason: "must not be empty"}
		}
	}
	raw, err := NormalizeData(data)
	if err != nil {
		return nil, &EnvelopeError{Field: "data", Reason: "must be a JSON object"}
	}
	return &Delivery{
		handlerID:     handlerID,
		eventID:       eventID,
		correlationID: correlationID,
		ts:            ts.UTC(),
		data:          raw,
	}, nil
}

// ValidateServerEnvelope parses an inbound envelope. handlerId, eventId,
// correlationId and ts are required; ts must be an RFC 3339 instant.
// Missing or null data becomes {}; any other non-object data is rejected.
func ValidateServerEnvelope(raw []byte) (*Delivery, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &EnvelopeError{Reason: "envelope must be a JSON object"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &EnvelopeError{Reason: err.Error()}
	}

	d := &Delivery{}
	var err error
	if d.handlerID, err = requiredString(fields, "handlerId"); err != nil {
		return nil, err
	}
	if d.eventID, err = requiredString(fields, "eventId"); err != nil {
		return nil, err
	}
	if d.correlationID, err = requiredString(fields, "correlationId"); err != nil {
		return nil, err
	}

	tsRaw, err := requiredString(fields, "ts")
	if err != nil {
		return nil, err
	}
	ts, perr := time.Parse(time.RFC3339Nano, tsRaw)
	if perr != nil {
		return nil, &EnvelopeError{Field: "ts", Reason: "not a valid timestamp"}
	}
	d.ts = ts

	data, derr := objectOrEmpty(fields["data"])
	if derr != nil {
		return nil, &EnvelopeError{Field: "data", Reason: "must be a JSON object"}
	}
	d.data = data

	return d, nil
}

func requiredString(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", &EnvelopeError{Field: name, Reason: "missing"}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &EnvelopeError{Field: name, Reason: "must be a string"}
	}
	if strings.TrimSpace(s) == "" {
		return "", &EnvelopeError{Field: name, Reason: "must not be empty"}
	}
	return s, nil
}
