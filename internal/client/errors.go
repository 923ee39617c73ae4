package client

import (
	"errors"
	"fmt"

	"github.com/leonletto/livewire/internal/protocol"
)

// ErrRequestTimeout is returned when a Request or RequestAll timeout
// elapses before the reply arrives.
var ErrRequestTimeout = errors.New("livewire: request timeout")

// RemoteError is a peer-side failure to process a request.
type RemoteError struct {
	Op      protocol.Op
	Event   string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %q failed: %s", e.Op, e.Event, e.Code)
	}
	return fmt.Sprintf("%s %q failed: %s: %s", e.Op, e.Event, e.Code, e.Message)
}
