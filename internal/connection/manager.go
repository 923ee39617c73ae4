// Package connection owns the livewire socket: it connects through the
// credential preflight, reconnects with backoff after unexpected drops,
// correlates request acks and routes inbound event frames to listeners.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/leonletto/livewire/internal/clock"
	"github.com/leonletto/livewire/internal/credential"
	"github.com/leonletto/livewire/internal/logging"
	"github.com/leonletto/livewire/internal/protocol"
	"github.com/leonletto/livewire/internal/transport"
)

// Credentials is the part of credential.Preflight the manager uses.
type Credentials interface {
	Ensure(ctx context.Context, force bool) (*credential.Grant, error)
	Invalidate()
}

// ConnectInfo describes a successful connect.
type ConnectInfo struct {
	RuntimeID      string
	RuntimeChanged bool
	FirstConnect   bool
	ClientID       string
}

// Listener receives the raw envelope of an inbound event frame.
type Listener = func(envelope json.RawMessage)

// Config holds the manager's fixed settings.
type Config struct {
	URL      string
	ClientID string
	Backoff  Backoff
}

type ackResult struct {
	result json.RawMessage
	err    error
}

// Manager owns one logical connection and its reconnect schedule.
type Manager struct {
	cfg    Config
	creds  Credentials
	dialer transport.Dialer
	clock  clock.Clock
	jitter clock.Jitter
	logger *zap.Logger
	group  singleflight.Group

	onConnect    observers[ConnectInfo]
	onDisconnect observers[string]
	onError      observers[error]

	mu        sync.Mutex
	conn      transport.Conn
	done      chan struct{}
	cancelRun context.CancelFunc
	connected bool
	manual    bool
	reconnect *clock.Timer
	pending   map[uint64]chan ackResult
	nextAck   uint64
	listeners map[string]Listener

	// session
	attempts         int
	lastRuntimeID    string
	hasConnectedOnce bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for reconnect timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithJitter sets the reconnect jitter source.
func WithJitter(j clock.Jitter) Option {
	return func(m *Manager) { m.jitter = j }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// New creates a disconnected manager. Nothing is dialed until Connect.
func New(cfg Config, creds Credentials, dialer transport.Dialer, opts ...Option) *Manager {
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	m := &Manager{
		cfg:          cfg,
		creds:        creds,
		dialer:       dialer,
		clock:        clock.Real(),
		jitter:       clock.RandomJitter,
		logger:       zap.NewNop(),
		onConnect:    observers[ConnectInfo]{name: "connect observer"},
		onDisconnect: observers[string]{name: "disconnect observer"},
		onError:      observers[error]{name: "error observer"},
		pending:      make(map[uint64]chan ackResult),
		listeners:    make(map[string]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnConnect registers fn to run after every successful connect.
func (m *Manager) OnConnect(fn func(ConnectInfo)) func() { return m.onConnect.add(fn) }

// OnDisconnect registers fn to run with the reason whenever the socket drops.
func (m *Manager) OnDisconnect(fn func(reason string)) func() { return m.onDisconnect.add(fn) }

// OnError registers fn to receive connect failures and reported errors.
func (m *Manager) OnError(fn func(error)) func() { return m.onError.add(fn) }

// ReportError hands err to the error observers.
func (m *Manager) ReportError(err error) {
	m.logger.Warn("livewire error", zap.Error(err))
	m.onError.emit(m.logger, err)
}

// IsConnected reports whether the socket is up.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// ClientID returns the identifier sent on every connect.
func (m *Manager) ClientID() string { return m.cfg.ClientID }

// Connect establishes the connection if it is not already up. Concurrent
// callers share one attempt; ctx bounds only this caller's wait. A
// failed attempt schedules a reconnect and returns its error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.manual = false
	m.mu.Unlock()

	ch := m.group.DoChan("connect", func() (any, error) {
		return nil, m.connect(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the socket and stops reconnecting until the next
// Connect. In-flight calls fail with ErrDisconnected. The session is
// reset, so the next connect reports FirstConnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.reconnect.Stop()
	m.reconnect = nil
	conn, done := m.conn, m.done
	m.attempts = 0
	m.lastRuntimeID = ""
	m.hasConnectedOnce = false
	m.mu.Unlock()

	m.creds.Invalidate()
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("close connection", zap.Error(err))
		}
		<-done
	}
	m.logger.Info("disconnected manually")
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.reconnect.Stop()
	m.reconnect = nil
	m.mu.Unlock()

	conn, grant, err := m.dial(ctx)
	if err != nil {
		m.creds.Invalidate()
		m.ReportError(err)
		m.scheduleReconnect()
		return err
	}

	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrManualDisconnect
	}
	info := ConnectInfo{
		RuntimeID:      grant.RuntimeID,
		RuntimeChanged: m.hasConnectedOnce && m.lastRuntimeID != grant.RuntimeID,
		FirstConnect:   !m.hasConnectedOnce,
		ClientID:       m.cfg.ClientID,
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.conn = conn
	m.done = make(chan struct{})
	m.cancelRun = cancel
	m.connected = true
	m.attempts = 0
	m.nextAck = 0
	m.hasConnectedOnce = true
	m.lastRuntimeID = grant.RuntimeID
	done := m.done
	m.mu.Unlock()

	events := newDispatcher()
	go events.run(m.dispatch)

	m.logger.Info("connected",
		zap.String("runtime_id", info.RuntimeID),
		zap.Bool("runtime_changed", info.RuntimeChanged),
		zap.Bool("first_connect", info.FirstConnect),
	)
	go m.run(runCtx, conn, done, events)
	m.onConnect.emit(m.logger, info)
	return nil
}

// dial runs the preflight and opens the socket. A handshake rejected as
// unauthorized is retried once with a forced fresh credential.
func (m *Manager) dial(ctx context.Context) (transport.Conn, *credential.Grant, error) {
	grant, err := m.creds.Ensure(ctx, false)
	if err != nil {
		return nil, nil, fmt.Errorf("credential preflight: %w", err)
	}
	conn, err := m.dialWith(ctx, grant)
	if transport.IsUnauthorized(err) {
		m.logger.Debug("handshake unauthorized, retrying with a fresh credential")
		grant, err = m.creds.Ensure(ctx, true)
		if err != nil {
			return nil, nil, fmt.Errorf("credential preflight: %w", err)
		}
		conn, err = m.dialWith(ctx, grant)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}
	return conn, grant, nil
}

func (m *Manager) dialWith(ctx context.Context, grant *credential.Grant) (transport.Conn, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if m.cfg.ClientID != "" {
		q := u.Query()
		q.Set(protocol.ClientIDParam, m.cfg.ClientID)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	header.Set(protocol.TokenHeader, grant.Token)
	return m.dialer.Dial(ctx, u.String(), header)
}

// run pumps conn until it ends. done closes without waiting for the
// dispatcher, so a listener calling Disconnect does not wait on itself.
func (m *Manager) run(ctx context.Context, conn transport.Conn, done chan struct{}, events *dispatcher) {
	defer close(done)
	err := conn.Run(ctx, func(msg []byte) { m.handleMessage(events, msg) })
	events.close()
	reason := transport.DisconnectReason(err)

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.connected = false
	m.cancelRun()
	m.cancelRun = nil
	pending := m.pending
	m.pending = make(map[uint64]chan ackResult)
	manual := m.manual
	m.mu.Unlock()

	for _, ch := range pending {
		ch <- ackResult{err: ErrDisconnected}
	}
	m.creds.Invalidate()

	if manual {
		m.logger.Info("connection closed", zap.String("reason", reason))
	} else {
		m.logger.Warn("connection lost", zap.String("reason", reason), zap.Error(err))
	}
	m.onDisconnect.emit(m.logger, reason)
	if !manual {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms the reconnect timer unless one is pending, the
// socket is up, or the user disconnected.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manual || m.connected || m.reconnect != nil {
		return
	}
	delay := m.cfg.Backoff.Delay(m.attempts) + m.jitter(m.cfg.Backoff.MaxJitter)
	m.attempts++
	m.logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", m.attempts),
	)
	m.reconnect = m.clock.AfterFunc(delay, m.onReconnectTimer)
}

func (m *Manager) onReconnectTimer() {
	m.mu.Lock()
	m.reconnect = nil
	skip := m.manual || m.connected
	m.mu.Unlock()
	if skip {
		return
	}
	go func() {
		ch := m.group.DoChan("connect", func() (any, error) {
			return nil, m.connect(context.Background())
		})
		if res := <-ch; res.Err != nil {
			m.logger.Debug("reconnect attempt failed", zap.Error(res.Err))
		}
	}()
}

// Listen routes inbound event frames for event to fn, replacing any
// previous listener. Frames reach listeners sequentially in arrival
// order, on a dispatch goroutine separate from the socket reader.
func (m *Manager) Listen(event string, fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[event] = fn
}

// Unlisten removes the listener for event.
func (m *Manager) Unlisten(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, event)
}

// HasListener reports whether event has a listener installed.
func (m *Manager) HasListener(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.listeners[event]
	return ok
}

// Send writes a fire-and-forget frame.
func (m *Manager) Send(op protocol.Op, event string, envelope json.RawMessage) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	return m.write(conn, protocol.Frame{Kind: op.String(), Event: event, Envelope: envelope})
}

// Call writes a frame that expects an ack and waits for it. A peer-side
// failure is returned as *protocol.FrameError. If ctx ends first the ack
// is discarded when it arrives.
func (m *Manager) Call(ctx context.Context, op protocol.Op, event string, envelope json.RawMessage) (json.RawMessage, error) {
	ch := make(chan ackResult, 1)

	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return nil, ErrDisconnected
	}
	m.nextAck++
	id := m.nextAck
	m.pending[id] = ch
	m.mu.Unlock()

	frame := protocol.Frame{Kind: op.String(), Event: event, Ack: id, Envelope: envelope}
	if err := m.write(conn, frame); err != nil {
		m.dropPending(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		m.dropPending(id)
		return nil, ctx.Err()
	}
}

func (m *Manager) dropPending(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
}

func (m *Manager) write(conn transport.Conn, frame protocol.Frame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := conn.Send(b); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrDisconnected
		}
		return fmt.Errorf("send %s frame: %w", frame.Kind, err)
	}
	return nil
}

func (m *Manager) handleMessage(events *dispatcher, msg []byte) {
	frame, err := protocol.DecodeFrame(msg)
	if err != nil {
		m.ReportError(fmt.Errorf("decode frame: %w", err))
		return
	}

	switch frame.Kind {
	case protocol.KindAck:
		m.mu.Lock()
		ch, ok := m.pending[frame.Ack]
		delete(m.pending, frame.Ack)
		m.mu.Unlock()
		if !ok {
			m.logger.Debug("ack for unknown call", zap.Uint64("ack", frame.Ack))
			return
		}
		if frame.Error != nil {
			ch <- ackResult{err: frame.Error}
			return
		}
		ch <- ackResult{result: frame.Result}

	case protocol.KindEvent:
		events.push(inbound{event: frame.Event, envelope: frame.Envelope})

	default:
		m.ReportError(fmt.Errorf("unknown frame kind %q", frame.Kind))
	}
}

// dispatch looks the listener up at delivery time, so an Unlisten
// between arrival and delivery drops the frame.
func (m *Manager) dispatch(ev inbound) {
	m.mu.Lock()
	fn := m.listeners[ev.event]
	m.mu.Unlock()
	if fn == nil {
		return
	}
	defer logging.Recover(m.logger, "listener "+ev.event)
	fn(ev.envelope)
}
