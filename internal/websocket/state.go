package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/leonletto/livewire/internal/identity"
)

// StateHandlerID is the handler id the state feed answers requests under.
const StateHandlerID = "state"

// StateFeed is a versioned key/value state the peer serves to sync
// clients: it answers handshakes on the request event and pushes every
// change on the push event with a sequence number and runtime epoch.
type StateFeed struct {
	server    *Server
	pushEvent string

	mu    sync.Mutex
	epoch string
	seq   int64
	state map[string]json.RawMessage
}

type stateRequest struct {
	Scope        string `json:"scope"`
	ForceFull    bool   `json:"force_full"`
	LastSeq      int64  `json:"last_seq"`
	RuntimeEpoch string `json:"runtime_epoch"`
}

// NewStateFeed registers the feed's handshake handler on server.
func NewStateFeed(server *Server, requestEvent, pushEvent string) *StateFeed {
	f := &StateFeed{
		server:    server,
		pushEvent: pushEvent,
		epoch:     identity.NewRuntimeID(),
		state:     make(map[string]json.RawMessage),
	}
	server.Handle(requestEvent, StateHandlerID, f.handleRequest)
	return f
}

// Epoch returns the current epoch.
func (f *StateFeed) Epoch() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch
}

// Seq returns the sequence number of the latest change.
func (f *StateFeed) Seq() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// Set stores value under key and pushes the change to every session.
func (f *StateFeed) Set(key string, value any) (int64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("marshal %q: %w", key, err)
	}

	// Held across the push so sessions see changes in sequence order.
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.state[key] = raw
	push := map[string]any{
		"seq":           f.seq,
		"runtime_epoch": f.epoch,
		"snapshot":      map[string]json.RawMessage{key: raw},
	}
	if _, err := f.server.Push(f.pushEvent, push); err != nil {
		return f.seq, err
	}
	return f.seq, nil
}

// Skip advances the sequence without pushing, as if n pushes were lost.
func (f *StateFeed) Skip(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq += n
}

// Restart starts a new epoch. The state and sequence are kept.
func (f *StateFeed) Restart(epoch string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch = epoch
}

func (f *StateFeed) handleRequest(_ context.Context, req *Request) (any, error) {
	var sr stateRequest
	if err := json.Unmarshal(req.Envelope.Data, &sr); err != nil {
		return nil, &HandlerError{Code: "bad_request", Message: err.Error()}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]any{
		"runtime_epoch": f.epoch,
		"seq_base":      f.seq,
	}
	if sr.ForceFull || sr.RuntimeEpoch != f.epoch || sr.LastSeq != f.seq {
		out["snapshot"] = maps.Clone(f.state)
	}
	return out, nil
}
