package identity

import (
	"strings"
	"testing"
	"time"
)

func TestNewClientID_Format(t *testing.T) {
	id := NewClientID()
	if !strings.HasPrefix(id, ClientPrefix) {
		t.Fatalf("client id %q missing prefix", id)
	}
	if len(id) != len(ClientPrefix)+26 {
		t.Errorf("client id %q has length %d", id, len(id))
	}
}

func TestIDs_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := NewEventID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestIDs_Monotonic(t *testing.T) {
	prev := NewSessionID()
	for range 100 {
		next := NewSessionID()
		if next <= prev {
			t.Fatalf("ids not increasing: %q then %q", prev, next)
		}
		prev = next
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, err := Timestamp(NewClientID())
	if err != nil {
		t.Fatalf("Timestamp() error: %v", err)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Errorf("timestamp %v out of range", ts)
	}

	if _, err := Timestamp("cli_not-a-ulid"); err == nil {
		t.Error("expected error for malformed id")
	}
}
