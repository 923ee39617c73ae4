package statesync

// Mode is the coordinator's view of how far the local state can be trusted.
type Mode int

const (
	// ModeDisconnected means no transport; the state may be stale.
	ModeDisconnected Mode = iota
	// ModeHandshakePending means a state request is owed or on the wire.
	ModeHandshakePending
	// ModeHealthy means the state tracks the server push by push.
	ModeHealthy
	// ModeDegraded means the last handshake failed while connected.
	// Pushes are ignored until a resync succeeds.
	ModeDegraded
)

func (m Mode) String() string {
	switch m {
	case ModeDisconnected:
		return "DISCONNECTED"
	case ModeHandshakePending:
		return "HANDSHAKE_PENDING"
	case ModeHealthy:
		return "HEALTHY"
	case ModeDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// State is a snapshot of the coordinator's bookkeeping.
type State struct {
	Mode         Mode
	RuntimeEpoch string
	SeqBase      int64
	LastSeq      int64
}
