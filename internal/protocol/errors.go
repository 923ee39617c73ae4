package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for envelope construction and validation.
// These can be checked using errors.Is().
var (
	// ErrPayloadTooLarge is returned when an encoded envelope exceeds the size cap.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")

	// ErrInvalidOption is returned when an option is not valid for an operation.
	ErrInvalidOption = errors.New("protocol: invalid option")

	// ErrDataNotObject is returned when envelope data is not a JSON object.
	ErrDataNotObject = errors.New("protocol: data must be a JSON object")

	// ErrInvalidCorrelationID is returned for a blank caller-supplied correlation id.
	ErrInvalidCorrelationID = errors.New("protocol: correlation id must be a non-empty string")

	// ErrInvalidEnvelope is returned when an inbound envelope fails validation.
	ErrInvalidEnvelope = errors.New("protocol: invalid server envelope")

	// ErrCorrelationMismatch is returned when a reply carries another request's correlation id.
	ErrCorrelationMismatch = errors.New("protocol: correlation id mismatch")
)

// SizeError reports an envelope rejected by the size cap.
type SizeError struct {
	Op    Op
	Size  int
	Limit int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%s: payload is %d bytes, limit is %d", e.Op, e.Size, e.Limit)
}

func (e *SizeError) Unwrap() error { return ErrPayloadTooLarge }

// OptionError reports an option combination the operation does not accept.
type OptionError struct {
	Op     Op
	Option string
	Reason string
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("%s: option %s: %s", e.Op, e.Option, e.Reason)
}

func (e *OptionError) Unwrap() error { return ErrInvalidOption }

// EnvelopeError names the field that made an inbound envelope invalid.
type EnvelopeError struct {
	Field  string
	Reason string
}

func (e *EnvelopeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid server envelope: %s", e.Reason)
	}
	return fmt.Sprintf("invalid server envelope: field %q: %s", e.Field, e.Reason)
}

func (e *EnvelopeError) Unwrap() error { return ErrInvalidEnvelope }
