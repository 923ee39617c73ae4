package protocol

import (
	"encoding/json"
	"fmt"
)

// ResultEntry is one handler's outcome. Failures are reported through OK
// and Error and are never turned into Go errors.
type ResultEntry struct {
	HandlerID string          `json:"handlerId"`
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ResultError    `json:"error,omitempty"`
}

// ResultError carries a handler's failure code.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Decode unmarshals the entry's data into v.
func (r ResultEntry) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("result from %s has no data", r.HandlerID)
	}
	return json.Unmarshal(r.Data, v)
}

// Response is the reply to a single-target request.
type Response struct {
	CorrelationID string        `json:"correlationId"`
	Results       []ResultEntry `json:"results"`
}

// First returns the first result entry, if any.
func (r *Response) First() (ResultEntry, bool) {
	if r == nil || len(r.Results) == 0 {
		return ResultEntry{}, false
	}
	return r.Results[0], true
}

// ResponderResult is one remote responder's reply to a request-all.
// SID and CorrelationID are empty when the responder sent null.
type ResponderResult struct {
	SID           string        `json:"sid"`
	CorrelationID string        `json:"correlationId"`
	Results       []ResultEntry `json:"results"`
}

// DecodeResponse parses a request reply and checks it belongs to
// correlationID.
func DecodeResponse(raw json.RawMessage, correlationID string) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.CorrelationID != "" && resp.CorrelationID != correlationID {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrCorrelationMismatch, resp.CorrelationID, correlationID)
	}
	resp.CorrelationID = correlationID
	return &resp, nil
}

// DecodeResponderResults parses a request-all reply and checks every
// non-null correlation id belongs to correlationID.
func DecodeResponderResults(raw json.RawMessage, correlationID string) ([]ResponderResult, error) {
	var results []ResponderResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("decode responder results: %w", err)
	}
	for i, r := range results {
		if r.CorrelationID != "" && r.CorrelationID != correlationID {
			return nil, fmt.Errorf("%w: responder %d got %q, want %q", ErrCorrelationMismatch, i, r.CorrelationID, correlationID)
		}
	}
	return results, nil
}
