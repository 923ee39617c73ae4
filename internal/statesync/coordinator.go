// Package statesync keeps a local copy of server-side state convergent
// across reconnects, backend restarts and lost pushes. A handshake on
// every connect establishes the sequence base and runtime epoch; pushes
// that skip a sequence number or carry another epoch force a full resync.
package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leonletto/livewire/internal/connection"
	"github.com/leonletto/livewire/internal/logging"
	"github.com/leonletto/livewire/internal/protocol"
	"github.com/leonletto/livewire/internal/subscriptions"
)

// Defaults for Config.
const (
	DefaultRequestEvent     = "state:request"
	DefaultPushEvent        = "state:push"
	DefaultScope            = "all"
	DefaultHandshakeTimeout = 15 * time.Second
)

// errHandshakeInterrupted reports a reply that arrived after the
// connection it was requested on went away.
var errHandshakeInterrupted = errors.New("state request: connection lost during handshake")

// Transport is the part of the client the coordinator drives.
// *client.Client satisfies it.
type Transport interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Request(ctx context.Context, event string, data any, opts protocol.Options) (*protocol.Response, error)
	On(event string, handler subscriptions.Handler) func()
	OnConnect(fn func(connection.ConnectInfo)) func()
	OnDisconnect(fn func(reason string)) func()
}

// Applier applies a (partial or full) snapshot: top-level keys to their
// new JSON values.
type Applier interface {
	ApplySnapshot(ctx context.Context, snapshot map[string]json.RawMessage) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, snapshot map[string]json.RawMessage) error

// ApplySnapshot calls f.
func (f ApplierFunc) ApplySnapshot(ctx context.Context, snapshot map[string]json.RawMessage) error {
	return f(ctx, snapshot)
}

// Config names the events and bounds the handshake.
type Config struct {
	RequestEvent     string
	PushEvent        string
	Scope            string
	HandshakeTimeout time.Duration

	// ResumeEpoch and ResumeSeq seed the first state request from a
	// stored cursor.
	ResumeEpoch string
	ResumeSeq   int64
}

func (c *Config) applyDefaults() {
	if c.RequestEvent == "" {
		c.RequestEvent = DefaultRequestEvent
	}
	if c.PushEvent == "" {
		c.PushEvent = DefaultPushEvent
	}
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// handshake is one logical state request. Callers that arrive before it
// is on the wire share it and may upgrade it to a full resync.
type handshake struct {
	forceFull bool
	sent      bool
	done      chan struct{}
	err       error
}

type stateRequest struct {
	Scope        string  `json:"scope"`
	ForceFull    bool    `json:"force_full"`
	LastSeq      int64   `json:"last_seq"`
	RuntimeEpoch *string `json:"runtime_epoch"`
}

type stateReply struct {
	RuntimeEpoch string                     `json:"runtime_epoch"`
	SeqBase      int64                      `json:"seq_base"`
	Snapshot     map[string]json.RawMessage `json:"snapshot"`
}

type statePush struct {
	Seq          *int64                     `json:"seq"`
	RuntimeEpoch *string                    `json:"runtime_epoch"`
	Snapshot     map[string]json.RawMessage `json:"snapshot"`
}

type heldPush struct {
	push    statePush
	eventID string
}

// ModeChange is reported to mode observers.
type ModeChange struct {
	From, To Mode
}

// Coordinator owns the sync state. All mutations go through its lock.
type Coordinator struct {
	transport Transport
	applier   Applier
	cfg       Config
	logger    *zap.Logger

	// pushMu serializes push processing with baseline updates. Lock
	// order is pushMu, then mu. While a handshake is on the wire pushes
	// are held and replayed against the new baseline.
	pushMu  sync.Mutex
	holding bool
	held    []heldPush

	mu          sync.Mutex
	state       State
	initialized bool
	disconnects uint64
	inflight    *handshake
	queued      *handshake
	changes     []ModeChange
	draining    bool
	unsubscribe []func()

	obsMu     sync.Mutex
	observers []modeObserver
	nextObs   int
}

type modeObserver struct {
	id int
	fn func(ModeChange)
}

// New creates a coordinator in DISCONNECTED mode. Call Start to attach it
// to the transport. A resume cursor in cfg is sent with the first
// handshake but is not trusted for gap checks until the server confirms
// a baseline.
func New(t Transport, applier Applier, cfg Config, logger *zap.Logger) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		transport: t,
		applier:   applier,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
		state: State{
			RuntimeEpoch: cfg.ResumeEpoch,
			SeqBase:      cfg.ResumeSeq,
			LastSeq:      cfg.ResumeSeq,
		},
	}
}

// Start subscribes to pushes and connection events. When the transport
// is already up, a handshake is sent right away.
func (c *Coordinator) Start() {
	unsubs := []func(){
		c.transport.On(c.cfg.PushEvent, c.handlePush),
		c.transport.OnConnect(c.handleConnect),
		c.transport.OnDisconnect(c.handleDisconnect),
	}
	c.mu.Lock()
	c.unsubscribe = append(c.unsubscribe, unsubs...)
	c.mu.Unlock()

	if c.transport.IsConnected() {
		go c.background(false, "start")
	}
}

// Stop detaches the coordinator from the transport.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	unsubs := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

// Mode returns the current mode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Mode
}

// State returns a copy of the sync state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnModeChange registers fn for mode transitions and returns its removal
// func. Transitions are reported in order.
func (c *Coordinator) OnModeChange(fn func(ModeChange)) func() {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.nextObs++
	id := c.nextObs
	c.observers = append(c.observers, modeObserver{id: id, fn: fn})
	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		c.observers = slices.DeleteFunc(c.observers, func(ob modeObserver) bool { return ob.id == id })
	}
}

// Resync forces a full state request.
func (c *Coordinator) Resync(ctx context.Context) error {
	return c.SendStateRequest(ctx, true)
}

// SendStateRequest performs a handshake. At most one is on the wire;
// concurrent callers share it. forceFull upgrades a handshake that has
// not been sent yet; once one is on the wire a forceFull caller queues a
// single follow-up full handshake instead. ctx bounds only this caller's
// wait.
func (c *Coordinator) SendStateRequest(ctx context.Context, forceFull bool) error {
	c.mu.Lock()
	h := c.inflight
	start := false
	switch {
	case h == nil:
		h = &handshake{forceFull: forceFull, done: make(chan struct{})}
		c.inflight = h
		c.setModeLocked(ModeHandshakePending)
		start = true
	case !h.sent:
		h.forceFull = h.forceFull || forceFull
	case forceFull && !h.forceFull:
		if c.queued == nil {
			c.queued = &handshake{forceFull: true, done: make(chan struct{})}
		}
		h = c.queued
	}
	c.unlockAndNotify()

	if start {
		go c.run(h)
	}

	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(h *handshake) {
	ctx := context.Background()
	err := c.transport.Connect(ctx)
	if err == nil {
		err = c.exchange(ctx, h)
	}
	if err != nil {
		c.pushMu.Lock()
		c.holding = false
		c.held = nil
		c.pushMu.Unlock()
	}

	c.mu.Lock()
	if err != nil {
		switch {
		case !c.transport.IsConnected():
			c.setModeLocked(ModeDisconnected)
		case errors.Is(err, errHandshakeInterrupted):
			// Reconnected while the reply was in flight: the baseline is
			// still owed on the new connection.
			if c.queued == nil {
				c.queued = &handshake{forceFull: true, done: make(chan struct{})}
			}
		default:
			c.setModeLocked(ModeDegraded)
		}
	}
	h.err = err
	c.inflight = nil
	next := c.queued
	c.queued = nil
	if next != nil {
		c.inflight = next
		c.setModeLocked(ModeHandshakePending)
	}
	c.unlockAndNotify()

	if err != nil {
		c.logger.Warn("state handshake failed", zap.Error(err))
	}
	close(h.done)
	if next != nil {
		go c.run(next)
	}
}

// exchange sends the state request and applies the reply. Pushes that
// arrive meanwhile are held and replayed once the new baseline is set.
func (c *Coordinator) exchange(ctx context.Context, h *handshake) error {
	c.pushMu.Lock()
	c.mu.Lock()
	h.sent = true
	c.holding = true
	disconnects := c.disconnects
	req := stateRequest{
		Scope:     c.cfg.Scope,
		ForceFull: h.forceFull,
		LastSeq:   c.state.LastSeq,
	}
	if c.state.RuntimeEpoch != "" {
		epoch := c.state.RuntimeEpoch
		req.RuntimeEpoch = &epoch
	}
	c.mu.Unlock()
	c.pushMu.Unlock()

	c.logger.Debug("sending state request",
		zap.Bool("force_full", req.ForceFull),
		zap.Int64("last_seq", req.LastSeq),
	)
	resp, err := c.transport.Request(ctx, c.cfg.RequestEvent, req, protocol.Options{Timeout: c.cfg.HandshakeTimeout})
	if err != nil {
		return fmt.Errorf("state request: %w", err)
	}
	entry, ok := resp.First()
	if !ok {
		return errors.New("state request: no result")
	}
	if !entry.OK {
		code := "unknown"
		if entry.Error != nil {
			code = entry.Error.Code
		}
		return fmt.Errorf("state request rejected by %s: %s", entry.HandlerID, code)
	}
	var reply stateReply
	if err := entry.Decode(&reply); err != nil {
		return fmt.Errorf("decode state reply: %w", err)
	}

	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	if c.interrupted(disconnects) {
		return errHandshakeInterrupted
	}
	if reply.Snapshot != nil {
		if err := c.applier.ApplySnapshot(ctx, reply.Snapshot); err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}
	}
	if !c.transport.IsConnected() {
		return errHandshakeInterrupted
	}

	c.mu.Lock()
	if c.disconnects != disconnects {
		c.mu.Unlock()
		return errHandshakeInterrupted
	}
	c.state.RuntimeEpoch = reply.RuntimeEpoch
	c.state.SeqBase = reply.SeqBase
	c.state.LastSeq = reply.SeqBase
	c.initialized = true
	c.setModeLocked(ModeHealthy)
	held := c.held
	c.held = nil
	c.holding = false
	c.unlockAndNotify()

	c.logger.Info("state synchronized",
		zap.String("runtime_epoch", reply.RuntimeEpoch),
		zap.Int64("seq_base", reply.SeqBase),
		zap.Bool("snapshot", reply.Snapshot != nil),
		zap.Int("replayed", len(held)),
	)
	for _, hp := range held {
		c.processPush(hp.push, hp.eventID)
	}
	return nil
}

// interrupted reports whether the connection dropped since a request
// was sent with the given disconnect count.
func (c *Coordinator) interrupted(disconnects uint64) bool {
	if !c.transport.IsConnected() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects != disconnects
}

func (c *Coordinator) handleConnect(info connection.ConnectInfo) {
	go c.background(info.RuntimeChanged, "connect")
}

func (c *Coordinator) handleDisconnect(reason string) {
	c.mu.Lock()
	c.disconnects++
	c.setModeLocked(ModeDisconnected)
	c.unlockAndNotify()
	c.logger.Debug("sync paused", zap.String("reason", reason))
}

// handlePush must not block on the network; resyncs it triggers run in
// the background.
func (c *Coordinator) handlePush(d *protocol.Delivery) {
	var p statePush
	if err := d.Decode(&p); err != nil {
		c.logger.Warn("undecodable state push", zap.String("event_id", d.EventID()), zap.Error(err))
		return
	}

	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	if c.holding {
		c.held = append(c.held, heldPush{push: p, eventID: d.EventID()})
		return
	}
	c.processPush(p, d.EventID())
}

// processPush checks p against the current baseline and applies it.
// pushMu must be held.
func (c *Coordinator) processPush(p statePush, eventID string) {
	c.mu.Lock()
	if c.state.Mode == ModeDegraded {
		c.mu.Unlock()
		c.logger.Debug("push ignored while degraded", zap.String("event_id", eventID))
		return
	}
	reason := ""
	switch {
	case p.RuntimeEpoch != nil && c.state.RuntimeEpoch != "" && *p.RuntimeEpoch != c.state.RuntimeEpoch:
		reason = "epoch mismatch"
	case p.Seq != nil && c.initialized && *p.Seq <= c.state.SeqBase:
		base := c.state.SeqBase
		c.mu.Unlock()
		c.logger.Debug("push covered by snapshot",
			zap.String("event_id", eventID),
			zap.Int64("seq", *p.Seq),
			zap.Int64("seq_base", base),
		)
		return
	case p.Seq != nil && c.initialized && *p.Seq != c.state.LastSeq+1:
		reason = "sequence gap"
	}
	if reason != "" {
		c.setModeLocked(ModeHandshakePending)
		c.unlockAndNotify()
		c.logger.Info("forcing full resync", zap.String("reason", reason))
		go c.background(true, reason)
		return
	}
	c.mu.Unlock()

	if len(p.Snapshot) > 0 {
		if err := c.applier.ApplySnapshot(context.Background(), p.Snapshot); err != nil {
			c.logger.Warn("apply pushed snapshot", zap.Error(err))
			c.mu.Lock()
			c.setModeLocked(ModeHandshakePending)
			c.unlockAndNotify()
			go c.background(true, "apply failure")
			return
		}
	}

	if p.Seq != nil {
		c.mu.Lock()
		c.state.LastSeq = *p.Seq
		c.mu.Unlock()
	}
}

func (c *Coordinator) background(forceFull bool, reason string) {
	if err := c.SendStateRequest(context.Background(), forceFull); err != nil {
		c.logger.Debug("background handshake failed", zap.String("reason", reason), zap.Error(err))
	}
}

func (c *Coordinator) setModeLocked(m Mode) {
	if c.state.Mode == m {
		return
	}
	c.changes = append(c.changes, ModeChange{From: c.state.Mode, To: m})
	c.state.Mode = m
}

// unlockAndNotify releases the state lock and reports queued
// transitions. Only one goroutine drains at a time, so observers see
// transitions in the order they happened and may call back into the
// coordinator.
func (c *Coordinator) unlockAndNotify() {
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.changes) > 0 {
		changes := c.changes
		c.changes = nil
		c.mu.Unlock()

		c.obsMu.Lock()
		fns := make([]modeObserver, len(c.observers))
		copy(fns, c.observers)
		c.obsMu.Unlock()

		for _, ch := range changes {
			c.logger.Debug("sync mode", zap.Stringer("from", ch.From), zap.Stringer("to", ch.To))
			for _, ob := range fns {
				c.notify(ob.fn, ch)
			}
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

func (c *Coordinator) notify(fn func(ModeChange), ch ModeChange) {
	defer logging.Recover(c.logger, "mode observer")
	fn(ch)
}
