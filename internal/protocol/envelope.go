// Package protocol defines the envelope wire format shared by the
// livewire client and its peer: outbound envelopes, inbound deliveries,
// request replies and the frames that carry them.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes is the hard cap on an encoded envelope (50 MiB).
const MaxPayloadBytes = 50 << 20

// Op is one of the four outbound message patterns.
type Op int

const (
	// OpEmit is fire-and-forget to handlers.
	OpEmit Op = iota
	// OpBroadcast is fire-and-forget fan-out to other sessions.
	OpBroadcast
	// OpRequest awaits exactly one reply.
	OpRequest
	// OpRequestAll awaits replies from every eligible responder.
	OpRequestAll
)

// String returns the frame kind used on the wire for the operation.
func (o Op) String() string {
	switch o {
	case OpEmit:
		return "emit"
	case OpBroadcast:
		return "broadcast"
	case OpRequest:
		return "request"
	case OpRequestAll:
		return "request_all"
	default:
		return "unknown"
	}
}

// ParseOp maps a frame kind back to its operation.
func ParseOp(kind string) (Op, bool) {
	for _, op := range []Op{OpEmit, OpBroadcast, OpRequest, OpRequestAll} {
		if op.String() == kind {
			return op, true
		}
	}
	return 0, false
}

// AwaitsReply reports whether the operation waits for an ack.
func (o Op) AwaitsReply() bool {
	return o == OpRequest || o == OpRequestAll
}

// Envelope wraps every outbound payload.
type Envelope struct {
	TS              time.Time       `json:"ts"`
	Data            json.RawMessage `json:"data"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	IncludeHandlers []string        `json:"includeHandlers,omitempty"`
	ExcludeHandlers []string        `json:"excludeHandlers,omitempty"`
	ExcludeSids     []string        `json:"excludeSids,omitempty"`
}

// Options carries addressing, correlation and timeout settings for one call.
type Options struct {
	IncludeHandlers []string
	ExcludeHandlers []string
	ExcludeSids     []string
	CorrelationID   string
	// Timeout bounds the client-side wait of Request and RequestAll.
	// Zero means wait until the reply arrives or the connection drops.
	Timeout time.Duration
}

// Validate checks the options against the addressing matrix:
// emit/request take include or exclude handlers, broadcast takes exclude
// sids, request-all takes exclude handlers. Only the request operations
// take a timeout.
func (o Options) Validate(op Op) error {
	hasInclude := len(o.IncludeHandlers) > 0
	hasExclude := len(o.ExcludeHandlers) > 0
	hasSids := len(o.ExcludeSids) > 0

	switch op {
	case OpEmit, OpRequest:
		if hasInclude && hasExclude {
			return &OptionError{Op: op, Option: "includeHandlers", Reason: "cannot be combined with excludeHandlers"}
		}
		if hasSids {
			return &OptionError{Op: op, Option: "excludeSids", Reason: "only valid for broadcast"}
		}
	case OpBroadcast:
		if hasInclude {
			return &OptionError{Op: op, Option: "includeHandlers", Reason: "not valid for broadcast"}
		}
		if hasExclude {
			return &OptionError{Op: op, Option: "excludeHandlers", Reason: "not valid for broadcast"}
		}
	case OpRequestAll:
		if hasInclude {
			return &OptionError{Op: op, Option: "includeHandlers", Reason: "not valid for request_all"}
		}
		if hasSids {
			return &OptionError{Op: op, Option: "excludeSids", Reason: "only valid for broadcast"}
		}
	default:
		return &OptionError{Op: op, Option: "op", Reason: "unknown operation"}
	}

	if o.Timeout < 0 {
		return &OptionError{Op: op, Option: "timeout", Reason: "must not be negative"}
	}
	if o.Timeout > 0 && !op.AwaitsReply() {
		return &OptionError{Op: op, Option: "timeout", Reason: "only valid for request and request_all"}
	}
	return nil
}

// NewCorrelationID returns a UUIDv4, prefixed as "<prefix>-<uuid>" when a
// prefix is given.
func NewCorrelationID(prefix string) string {
	id := uuid.NewString()
	if p := strings.TrimSpace(prefix); p != "" {
		return p + "-" + id
	}
	return id
}

// BuildEnvelope wraps data in an envelope stamped with ts. The caller's
// correlation id is trimmed and must not be blank; when none is given a
// fresh one is generated. Address lists are trimmed and deduplicated.
func BuildEnvelope(ts time.Time, data any, opts Options) (*Envelope, error) {
	raw, err := NormalizeData(data)
	if err != nil {
		return nil, err
	}

	correlationID := NewCorrelationID("")
	if opts.CorrelationID != "" {
		correlationID = strings.TrimSpace(opts.CorrelationID)
		if correlationID == "" {
			return nil, ErrInvalidCorrelationID
		}
	}

	return &Envelope{
		TS:              ts.UTC(),
		Data:            raw,
		CorrelationID:   correlationID,
		IncludeHandlers: normalizeList(opts.IncludeHandlers),
		ExcludeHandlers: normalizeList(opts.ExcludeHandlers),
		ExcludeSids:     normalizeList(opts.ExcludeSids),
	}, nil
}

// Encode serializes the envelope and enforces the size limit. A limit of
// zero or less means MaxPayloadBytes.
func (e *Envelope) Encode(op Op, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = MaxPayloadBytes
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(b) > limit {
		return nil, &SizeError{Op: op, Size: len(b), Limit: limit}
	}
	return b, nil
}

// NormalizeData converts caller data into a JSON object. Nil becomes {}.
// Anything that does not encode to an object is rejected.
func NormalizeData(data any) (json.RawMessage, error) {
	var raw []byte
	switch v := data.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
		raw = b
	}
	return objectOrEmpty(raw)
}

func objectOrEmpty(raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, ErrDataNotObject
	}
	return json.RawMessage(slices.Clone(trimmed)), nil
}

// normalizeList trims entries, drops blanks and duplicates. Returns nil
// when nothing is left so the field is omitted on the wire.
func normalizeList(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
