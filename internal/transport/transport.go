// Package transport carries livewire frames over a websocket. It knows
// nothing about envelopes; it moves text messages and reports why the
// socket went away.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Dialer opens a connection to the peer.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Conn is an established connection.
type Conn interface {
	// Run pumps messages until the connection fails, is closed or ctx
	// ends. Each inbound message is passed to onMessage on the reading
	// goroutine, so messages are handled in arrival order. Run always
	// returns a non-nil error describing why the connection ended.
	Run(ctx context.Context, onMessage func([]byte)) error

	// Send queues a message for writing.
	Send(msg []byte) error

	// Close closes the connection. Safe to call more than once.
	Close() error
}

// Sentinel errors for transport operations.
var (
	// ErrClosed is returned by Send after Close and by Run after a local close.
	ErrClosed = errors.New("transport: connection closed")

	// ErrSendBufferFull is returned when the outbound queue is full.
	ErrSendBufferFull = errors.New("transport: send buffer full")

	// ErrPeerClosed is returned by Run when the peer closed the socket cleanly.
	ErrPeerClosed = errors.New("transport: closed by peer")
)

// Disconnect reasons reported to observers.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
)

// DisconnectReason maps the error returned by Conn.Run to a reason string.
func DisconnectReason(err error) string {
	switch {
	case errors.Is(err, ErrClosed):
		return ReasonClientDisconnect
	case errors.Is(err, ErrPeerClosed):
		return ReasonServerDisconnect
	case errors.Is(err, context.Canceled):
		return ReasonTransportClose
	default:
		return ReasonTransportError
	}
}

// HandshakeError reports an HTTP-level rejection of the websocket upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err is a handshake rejected with 401 or 403.
func IsUnauthorized(err error) bool {
	var hs *HandshakeError
	if !errors.As(err, &hs) {
		return false
	}
	return hs.StatusCode == http.StatusUnauthorized || hs.StatusCode == http.StatusForbidden
}
