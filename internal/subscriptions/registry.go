// Package subscriptions multiplexes local handlers onto one transport
// listener per event.
package subscriptions

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/leonletto/livewire/internal/logging"
	"github.com/leonletto/livewire/internal/protocol"
)

// Transport is where the registry installs its per-event listeners.
// *connection.Manager satisfies it. Listen and Unlisten are called with
// the registry lock held and must not call back into the registry.
type Transport interface {
	Listen(event string, fn func(envelope json.RawMessage))
	Unlisten(event string)
	ReportError(err error)
}

// Handler receives validated deliveries.
type Handler func(*protocol.Delivery)

type subscriber struct {
	id      uint64
	handler Handler
}

// Registry maps events to their handler sets. The first handler for an
// event installs the transport listener; removing the last one tears it
// down.
type Registry struct {
	transport Transport
	logger    *zap.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[string][]subscriber
}

// NewRegistry creates an empty registry over t.
func NewRegistry(t Transport, logger *zap.Logger) *Registry {
	return &Registry{
		transport: t,
		logger:    logging.OrNop(logger),
		subs:      make(map[string][]subscriber),
	}
}

// On subscribes handler to event and returns a func that removes exactly
// this subscription. Calling it more than once is a no-op.
func (r *Registry) On(event string, handler Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	if len(r.subs[event]) == 0 {
		r.transport.Listen(event, func(env json.RawMessage) { r.dispatch(event, env) })
	}
	r.subs[event] = append(r.subs[event], subscriber{id: id, handler: handler})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(event, id) })
	}
}

// Off removes every handler for event.
func (r *Registry) Off(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[event]; ok {
		delete(r.subs, event)
		r.transport.Unlisten(event)
	}
}

// Count returns the number of handlers subscribed to event.
func (r *Registry) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[event])
}

func (r *Registry) remove(event string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[event]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(r.subs, event)
			r.transport.Unlisten(event)
		} else {
			r.subs[event] = subs
		}
		return
	}
}

// dispatch validates one inbound envelope and hands it to every handler
// registered at the time it arrived, in registration order.
func (r *Registry) dispatch(event string, raw json.RawMessage) {
	d, err := protocol.ValidateServerEnvelope(raw)
	if err != nil {
		r.transport.ReportError(fmt.Errorf("invalid %q envelope: %w", event, err))
		return
	}

	r.mu.Lock()
	subs := make([]subscriber, len(r.subs[event]))
	copy(subs, r.subs[event])
	r.mu.Unlock()

	for _, s := range subs {
		r.call(event, s.handler, d)
	}
}

func (r *Registry) call(event string, h Handler, d *protocol.Delivery) {
	defer logging.Recover(r.logger, "handler "+event)
	h(d)
}
