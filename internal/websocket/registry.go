package websocket

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/leonletto/livewire/internal/protocol"
)

// SessionInfo describes one connected client.
type SessionInfo struct {
	SID      string `json:"sid"`
	ClientID string `json:"client_id"`
}

// ClientRegistry tracks connected clients by session ID.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Connection
}

// NewClientRegistry creates a new client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Connection),
	}
}

// Register adds a client to the registry.
func (r *ClientRegistry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[conn.sid] = conn
}

// Unregister removes a client from the registry.
func (r *ClientRegistry) Unregister(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, sid)
}

// Get retrieves a client connection by session ID.
func (r *ClientRegistry) Get(sid string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.clients[sid]
	return conn, ok
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Sessions lists connected clients sorted by session ID.
func (r *ClientRegistry) Sessions() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, SessionInfo{SID: c.sid, ClientID: c.clientID})
	}
	slices.SortFunc(out, func(a, b SessionInfo) int { return cmp.Compare(a.SID, b.SID) })
	return out
}

// CloseAll closes all client connections.
func (r *ClientRegistry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c)
	}
	r.clients = make(map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Deliver sends an event frame to one session. A client that is not
// connected is skipped without error.
func (r *ClientRegistry) Deliver(sid, event string, d *protocol.Delivery) error {
	r.mu.RLock()
	conn, ok := r.clients[sid]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return conn.sendEvent(event, d)
}

// Fanout delivers an event frame to every session not in exclude and
// returns how many sessions it reached.
func (r *ClientRegistry) Fanout(event string, d *protocol.Delivery, exclude []string) (int, error) {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.clients))
	for sid, c := range r.clients {
		if !slices.Contains(exclude, sid) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	var firstErr error
	for _, c := range targets {
		if err := c.sendEvent(event, d); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("deliver to %s: %w", c.sid, err)
			}
			continue
		}
		sent++
	}
	return sent, firstErr
}

func eventFrame(event string, d *protocol.Delivery) ([]byte, error) {
	env, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal delivery: %w", err)
	}
	return json.Marshal(protocol.Frame{Kind: protocol.KindEvent, Event: event, Envelope: env})
}
