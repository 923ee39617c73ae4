package connection

import "errors"

// Sentinel errors for connection operations.
// These can be checked using errors.Is().
var (
	// ErrDisconnected is returned when a frame cannot be sent or an
	// in-flight call is abandoned because the connection dropped.
	ErrDisconnected = errors.New("connection: disconnected")

	// ErrManualDisconnect is returned by a connect attempt that was
	// overtaken by Disconnect.
	ErrManualDisconnect = errors.New("connection: manually disconnected")
)
