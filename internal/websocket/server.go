// Package websocket is an in-process livewire peer for tests and local
// development. It issues credentials, accepts client sockets, answers
// requests from registered handlers and pushes events to sessions.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/leonletto/livewire/internal/identity"
	"github.com/leonletto/livewire/internal/logging"
	"github.com/leonletto/livewire/internal/protocol"
	"github.com/leonletto/livewire/internal/transport"
)

// Paths served by the peer.
const (
	PathWebSocket   = "/ws"
	PathCredentials = "/credentials"
)

// PushHandlerID is the handler id stamped on envelopes the peer pushes.
const PushHandlerID = "server"

// DisconnectFunc is called when a client session ends.
type DisconnectFunc func(sid string)

// Server is the dev peer.
type Server struct {
	addr       string
	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	handlers   *handlerTable
	clients    *ClientRegistry
	issuer     *tokenIssuer
	logger     *zap.Logger
	sid        string

	mu           sync.RWMutex
	shutdown     bool
	runtimeID    string
	onDisconnect DisconnectFunc
	wg           sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Server) { s.issuer = newTokenIssuer(ttl) }
}

// WithRuntimeID sets the initial runtime id reported with credentials.
func WithRuntimeID(id string) Option {
	return func(s *Server) { s.runtimeID = id }
}

// NewServer creates a peer that will listen on addr ("host:port"; port 0
// picks a free port).
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		handlers:  newHandlerTable(),
		clients:   NewClientRegistry(),
		issuer:    newTokenIssuer(DefaultTokenTTL),
		logger:    zap.NewNop(),
		sid:       identity.NewSessionID(),
		runtimeID: identity.NewRuntimeID(),
		upgrader: websocket.Upgrader{
			// Allow all origins for local development
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the peer's HTTP routes, for mounting in httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathWebSocket, s.handleWebSocket)
	mux.HandleFunc(PathCredentials, s.handleCredentials)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("server is shutting down")
	}
	s.mu.Unlock()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("peer server error", zap.Error(err))
		}
	}()
	s.logger.Info("peer listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop closes every session and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.clients.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the websocket endpoint.
func (s *Server) URL() string { return "ws://" + s.Addr() + PathWebSocket }

// CredentialURL returns the credential endpoint.
func (s *Server) CredentialURL() string { return "http://" + s.Addr() + PathCredentials }

// SID returns the peer's own session id, reported as the responder sid
// of request-all results.
func (s *Server) SID() string { return s.sid }

// RuntimeID returns the current runtime id.
func (s *Server) RuntimeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runtimeID
}

// Restart simulates a backend restart: the runtime id changes, every
// outstanding token is invalidated and all sessions are dropped.
func (s *Server) Restart(runtimeID string) {
	s.mu.Lock()
	s.runtimeID = runtimeID
	s.mu.Unlock()
	s.issuer.rotate()
	s.clients.CloseAll()
	s.logger.Info("peer restarted", zap.String("runtime_id", runtimeID))
}

// RotateKey invalidates every outstanding token without dropping sessions.
func (s *Server) RotateKey() { s.issuer.rotate() }

// Clients returns the session registry.
func (s *Server) Clients() *ClientRegistry { return s.clients }

// SetDisconnectHook registers a callback that fires when a session ends.
func (s *Server) SetDisconnectHook(fn DisconnectFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// Handle registers fn as handlerID for event. Requests go to the first
// matching handler in registration order; request-all and emit reach
// every matching handler.
func (s *Server) Handle(event, handlerID string, fn HandlerFunc) {
	s.handlers.add(event, handlerID, fn)
}

// RemoveHandler unregisters handlerID from event.
func (s *Server) RemoveHandler(event, handlerID string) {
	s.handlers.remove(event, handlerID)
}

// Push delivers data to every session and returns how many it reached.
func (s *Server) Push(event string, data any) (int, error) {
	d, err := s.pushDelivery(data)
	if err != nil {
		return 0, err
	}
	return s.clients.Fanout(event, d, nil)
}

// PushTo delivers data to one session.
func (s *Server) PushTo(sid, event string, data any) error {
	d, err := s.pushDelivery(data)
	if err != nil {
		return err
	}
	return s.clients.Deliver(sid, event, d)
}

func (s *Server) pushDelivery(data any) (*protocol.Delivery, error) {
	return protocol.NewDelivery(PushHandlerID, identity.NewEventID(), protocol.NewCorrelationID("push"), time.Now(), data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Hold the read lock across both the shutdown check and wg.Add to prevent
	// a race where Stop() calls wg.Wait() between our check and our Add.
	s.mu.RLock()
	if s.shutdown {
		s.mu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	claims, err := s.issuer.verify(r.Header.Get(protocol.TokenHeader))
	if err != nil {
		s.wg.Done()
		s.logger.Debug("upgrade rejected", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	c := newConnection(transport.NewWebSocketConn(conn), r.URL.Query().Get(protocol.ClientIDParam), s)
	c.logger.Info("session opened", zap.String("runtime_id", claims.RuntimeID))
	go s.handleConnection(c)
}

func (s *Server) handleConnection(c *Connection) {
	defer s.wg.Done()

	s.clients.Register(c)
	err := c.serve(context.Background())
	_ = c.Close()
	s.clients.Unregister(c.sid)

	c.logger.Info("session closed", zap.String("reason", transport.DisconnectReason(err)))

	s.mu.RLock()
	hook := s.onDisconnect
	s.mu.RUnlock()
	if hook != nil {
		hook(c.sid)
	}
}
