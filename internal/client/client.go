// Package client is the application-facing livewire API: the four
// message patterns, subscriptions and connection lifecycle behind one
// explicitly constructed value.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/leonletto/livewire/internal/clock"
	"github.com/leonletto/livewire/internal/connection"
	"github.com/leonletto/livewire/internal/credential"
	"github.com/leonletto/livewire/internal/identity"
	"github.com/leonletto/livewire/internal/logging"
	"github.com/leonletto/livewire/internal/protocol"
	"github.com/leonletto/livewire/internal/subscriptions"
	"github.com/leonletto/livewire/internal/transport"
)

// DefaultHandshakeTimeout bounds the websocket upgrade.
const DefaultHandshakeTimeout = 15 * time.Second

// Config holds client settings.
type Config struct {
	ServerURL     string
	CredentialURL string

	// ClientID identifies this instance to the peer. Generated when empty.
	ClientID string

	Backoff           connection.Backoff
	HandshakeTimeout  time.Duration
	MaxPayloadBytes   int
	CorrelationPrefix string
}

// Client sends and receives envelopes over one managed connection.
type Client struct {
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger
	creds    *credential.Preflight
	conn     *connection.Manager
	registry *subscriptions.Registry
}

type settings struct {
	source credential.Source
	dialer transport.Dialer
	clock  clock.Clock
	jitter clock.Jitter
	logger *zap.Logger
	jar    http.CookieJar
}

// Option configures a Client.
type Option func(*settings)

// WithCredentialSource replaces the HTTP credential endpoint.
func WithCredentialSource(s credential.Source) Option {
	return func(o *settings) { o.source = s }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *settings) { o.dialer = d }
}

// WithClock sets the clock for timers and envelope timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *settings) { o.clock = c }
}

// WithJitter sets the jitter source for reconnect and refresh timers.
func WithJitter(j clock.Jitter) Option {
	return func(o *settings) { o.jitter = j }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *settings) { o.logger = l }
}

// WithCookieJar sets the jar whose session cookies authenticate the
// credential fetch and the websocket upgrade.
func WithCookieJar(jar http.CookieJar) Option {
	return func(o *settings) { o.jar = jar }
}

// New builds a client. It does not connect; the first operation or an
// explicit Connect does.
func New(cfg Config, opts ...Option) (*Client, error) {
	s := settings{clock: clock.Real(), jitter: clock.RandomJitter}
	for _, opt := range opts {
		opt(&s)
	}
	s.logger = logging.OrNop(s.logger)

	if cfg.ServerURL == "" {
		return nil, errors.New("client: server url is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = identity.NewClientID()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = protocol.MaxPayloadBytes
	}
	if s.source == nil {
		if cfg.CredentialURL == "" {
			return nil, errors.New("client: credential url is required")
		}
		s.source = credential.NewHTTPSource(cfg.CredentialURL, s.jar)
	}
	if s.dialer == nil {
		s.dialer = &transport.WebSocketDialer{HandshakeTimeout: cfg.HandshakeTimeout, Jar: s.jar}
	}

	logger := s.logger.With(zap.String("client_id", cfg.ClientID))
	creds := credential.New(s.source,
		credential.WithClock(s.clock),
		credential.WithJitter(s.jitter),
		credential.WithLogger(logger.Named("credential")),
	)
	conn := connection.New(
		connection.Config{URL: cfg.ServerURL, ClientID: cfg.ClientID, Backoff: cfg.Backoff},
		creds, s.dialer,
		connection.WithClock(s.clock),
		connection.WithJitter(s.jitter),
		connection.WithLogger(logger.Named("connection")),
	)

	return &Client{
		cfg:      cfg,
		clock:    s.clock,
		logger:   logger,
		creds:    creds,
		conn:     conn,
		registry: subscriptions.NewRegistry(conn, logger.Named("subscriptions")),
	}, nil
}

// ClientID returns the identifier this client connects with.
func (c *Client) ClientID() string { return c.cfg.ClientID }

// Connect establishes the connection if needed.
func (c *Client) Connect(ctx context.Context) error { return c.conn.Connect(ctx) }

// Disconnect closes the connection and suppresses reconnects until the
// next Connect.
func (c *Client) Disconnect() { c.conn.Disconnect() }

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool { return c.conn.IsConnected() }

// OnConnect registers a connect observer and returns its removal func.
func (c *Client) OnConnect(fn func(connection.ConnectInfo)) func() { return c.conn.OnConnect(fn) }

// OnDisconnect registers a disconnect observer and returns its removal func.
func (c *Client) OnDisconnect(fn func(reason string)) func() { return c.conn.OnDisconnect(fn) }

// OnError registers an error observer and returns its removal func.
func (c *Client) OnError(fn func(error)) func() { return c.conn.OnError(fn) }

// On subscribes handler to event and returns its unsubscribe func.
func (c *Client) On(event string, handler subscriptions.Handler) func() {
	return c.registry.On(event, handler)
}

// Off removes every handler for event.
func (c *Client) Off(event string) { c.registry.Off(event) }

// Emit sends data to the event's handlers without waiting for a reply.
func (c *Client) Emit(ctx context.Context, event string, data any, opts protocol.Options) error {
	return c.send(ctx, protocol.OpEmit, event, data, opts)
}

// Broadcast sends data to every other session without waiting for a reply.
func (c *Client) Broadcast(ctx context.Context, event string, data any, opts protocol.Options) error {
	return c.send(ctx, protocol.OpBroadcast, event, data, opts)
}

// Request sends data to one handler and waits for its reply.
func (c *Client) Request(ctx context.Context, event string, data any, opts protocol.Options) (*protocol.Response, error) {
	raw, correlationID, err := c.call(ctx, protocol.OpRequest, event, data, opts)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeResponse(raw, correlationID)
}

// RequestAll sends data to every eligible responder and waits for all of
// their replies. Individual responder failures are reported in the
// entries' OK flags, not as an error.
func (c *Client) RequestAll(ctx context.Context, event string, data any, opts protocol.Options) ([]protocol.ResponderResult, error) {
	raw, correlationID, err := c.call(ctx, protocol.OpRequestAll, event, data, opts)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeResponderResults(raw, correlationID)
}

func (c *Client) send(ctx context.Context, op protocol.Op, event string, data any, opts protocol.Options) error {
	payload, _, err := c.prepare(op, data, opts)
	if err != nil {
		return err
	}
	if err := c.conn.Connect(ctx); err != nil {
		return fmt.Errorf("%s %q: %w", op, event, err)
	}
	if err := c.conn.Send(op, event, payload); err != nil {
		return fmt.Errorf("%s %q: %w", op, event, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, op protocol.Op, event string, data any, opts protocol.Options) ([]byte, string, error) {
	payload, correlationID, err := c.prepare(op, data, opts)
	if err != nil {
		return nil, "", err
	}
	if err := c.conn.Connect(ctx); err != nil {
		return nil, "", fmt.Errorf("%s %q: %w", op, event, err)
	}

	callCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	raw, err := c.conn.Call(callCtx, op, event, payload)
	if err != nil {
		var fe *protocol.FrameError
		switch {
		case opts.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			c.logger.Debug("request timed out",
				zap.Stringer("op", op),
				zap.String("event", event),
				zap.String("correlation_id", correlationID),
				zap.Duration("timeout", opts.Timeout),
			)
			return nil, "", fmt.Errorf("%s %q after %s: %w", op, event, opts.Timeout, ErrRequestTimeout)
		case errors.As(err, &fe):
			return nil, "", &RemoteError{Op: op, Event: event, Code: fe.Code, Message: fe.Message}
		default:
			return nil, "", fmt.Errorf("%s %q: %w", op, event, err)
		}
	}
	return raw, correlationID, nil
}

// prepare validates options and builds the encoded envelope. Every check
// here runs before any network activity.
func (c *Client) prepare(op protocol.Op, data any, opts protocol.Options) ([]byte, string, error) {
	if err := opts.Validate(op); err != nil {
		return nil, "", err
	}
	if opts.CorrelationID == "" {
		opts.CorrelationID = protocol.NewCorrelationID(c.cfg.CorrelationPrefix)
	}
	env, err := protocol.BuildEnvelope(c.clock.Now(), data, opts)
	if err != nil {
		return nil, "", err
	}
	payload, err := env.Encode(op, c.cfg.MaxPayloadBytes)
	if err != nil {
		return nil, "", err
	}
	return payload, env.CorrelationID, nil
}
