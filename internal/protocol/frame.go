package protocol

import "encoding/json"

// Connection parameters on the websocket upgrade request.
const (
	// TokenHeader carries the preflight token.
	TokenHeader = "X-Livewire-Token"
	// ClientIDParam is the query parameter naming the client instance.
	ClientIDParam = "client_id"
)

// Inbound frame kinds. Outbound kinds are Op.String() values.
const (
	KindEvent = "event"
	KindAck   = "ack"
)

// Frame is one websocket text message in either direction.
//
//	client -> peer: {kind: emit|broadcast|request|request_all, event, ack?, envelope}
//	peer -> client: {kind: event, event, envelope}
//	                {kind: ack, ack, result? | error?}
type Frame struct {
	Kind     string          `json:"kind"`
	Event    string          `json:"event,omitempty"`
	Ack      uint64          `json:"ack,omitempty"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *FrameError     `json:"error,omitempty"`
}

// FrameError is a peer-side failure to process a request frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *FrameError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// DecodeFrame parses one websocket message.
func DecodeFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
