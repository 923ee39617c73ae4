// Package identity generates the opaque identifiers livewire puts on the
// wire: client instance ids, dev peer session, runtime and event ids.
package identity

import (
	"crypto/rand"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Identifier prefixes.
const (
	ClientPrefix  = "cli_"
	SessionPrefix = "sid_"
	EventPrefix   = "evt_"
	RuntimePrefix = "rt_"
)

// NewClientID identifies one client instance across its reconnects.
// Format: "cli_" + ulid().
func NewClientID() string {
	return ClientPrefix + generateULID()
}

// NewSessionID identifies one server-side connection.
// Format: "sid_" + ulid().
func NewSessionID() string {
	return SessionPrefix + generateULID()
}

// NewEventID identifies one delivered envelope.
// Format: "evt_" + ulid().
func NewEventID() string {
	return EventPrefix + generateULID()
}

// NewRuntimeID identifies one backend process lifetime.
// Format: "rt_" + ulid().
func NewRuntimeID() string {
	return RuntimePrefix + generateULID()
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// generateULID generates a ULID string.
func generateULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy)
	return id.String()
}

// Timestamp extracts the creation time from a prefixed or bare ULID.
func Timestamp(s string) (time.Time, error) {
	if i := strings.IndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}
	id, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ULID: %w", err)
	}

	ms := id.Time()
	if ms/1000 > uint64(math.MaxInt64) {
		return time.Time{}, fmt.Errorf("ULID timestamp %d exceeds int64 range", ms)
	}
	sec := int64(ms / 1000)      //nolint:gosec // overflow checked above
	nsec := int64(ms%1000) * 1e6 //nolint:gosec // ms%1000 is always < 1000

	return time.Unix(sec, nsec), nil
}
