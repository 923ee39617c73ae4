package websocket

import (
	"context"
	"slices"
	"sync"

	"github.com/leonletto/livewire/internal/protocol"
)

// HandlerFunc answers one envelope addressed to a peer handler. The
// returned value becomes the result entry's data; it must encode to a
// JSON object (nil becomes {}).
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Request is what a handler sees of an inbound envelope.
type Request struct {
	SID       string
	ClientID  string
	Event     string
	HandlerID string
	Envelope  protocol.Envelope
}

// HandlerError lets a handler choose the error code of its result entry.
// Any other error is reported as "handler_error".
type HandlerError struct {
	Code    string
	Message string
}

func (e *HandlerError) Error() string { return e.Code + ": " + e.Message }

type namedHandler struct {
	id string
	fn HandlerFunc
}

// handlerTable holds the peer's handlers per event in registration order.
type handlerTable struct {
	mu      sync.RWMutex
	byEvent map[string][]namedHandler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{byEvent: make(map[string][]namedHandler)}
}

// add registers fn under id, replacing an existing handler with that id.
func (t *handlerTable) add(event, id string, fn HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs := t.byEvent[event]
	for i, h := range hs {
		if h.id == id {
			hs[i].fn = fn
			return
		}
	}
	t.byEvent[event] = append(hs, namedHandler{id: id, fn: fn})
}

func (t *handlerTable) remove(event, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byEvent[event] = slices.DeleteFunc(t.byEvent[event], func(h namedHandler) bool { return h.id == id })
	if len(t.byEvent[event]) == 0 {
		delete(t.byEvent, event)
	}
}

// match returns the handlers for event that pass the include and exclude
// lists. An empty include list admits every handler.
func (t *handlerTable) match(event string, include, exclude []string) []namedHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []namedHandler
	for _, h := range t.byEvent[event] {
		if len(include) > 0 && !slices.Contains(include, h.id) {
			continue
		}
		if slices.Contains(exclude, h.id) {
			continue
		}
		out = append(out, h)
	}
	return out
}
