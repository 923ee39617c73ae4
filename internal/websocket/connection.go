package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/leonletto/livewire/internal/identity"
	"github.com/leonletto/livewire/internal/protocol"
	"github.com/leonletto/livewire/internal/transport"
)

// Connection is one client session on the peer.
type Connection struct {
	sid      string
	clientID string
	conn     transport.Conn
	server   *Server
	logger   *zap.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConnection(conn transport.Conn, clientID string, server *Server) *Connection {
	sid := identity.NewSessionID()
	return &Connection{
		sid:      sid,
		clientID: clientID,
		conn:     conn,
		server:   server,
		logger:   server.logger.With(zap.String("sid", sid), zap.String("client_id", clientID)),
	}
}

// SID returns the session ID.
func (c *Connection) SID() string { return c.sid }

// ClientID returns the client_id the session connected with.
func (c *Connection) ClientID() string { return c.clientID }

// serve pumps frames until the socket ends, then waits for in-flight
// request handlers.
func (c *Connection) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	err := c.conn.Run(ctx, func(msg []byte) { c.handleFrame(ctx, msg) })
	cancel()
	c.wg.Wait()
	return err
}

// Close closes the session's socket.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

func (c *Connection) handleFrame(ctx context.Context, msg []byte) {
	frame, err := protocol.DecodeFrame(msg)
	if err != nil {
		c.logger.Warn("undecodable frame", zap.Error(err))
		return
	}
	op, ok := protocol.ParseOp(frame.Kind)
	if !ok {
		c.logger.Warn("unknown frame kind", zap.String("kind", frame.Kind))
		if frame.Ack != 0 {
			c.sendAckError(frame.Ack, "bad_frame", fmt.Sprintf("unknown kind %q", frame.Kind))
		}
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(frame.Envelope, &env); err != nil {
		c.logger.Warn("bad envelope", zap.String("event", frame.Event), zap.Error(err))
		if op.AwaitsReply() {
			c.sendAckError(frame.Ack, "bad_envelope", err.Error())
		}
		return
	}

	switch op {
	case protocol.OpEmit:
		for _, h := range c.server.handlers.match(frame.Event, env.IncludeHandlers, env.ExcludeHandlers) {
			if _, err := c.invoke(ctx, frame.Event, h, env); err != nil {
				c.logger.Debug("emit handler failed", zap.String("handler", h.id), zap.Error(err))
			}
		}

	case protocol.OpBroadcast:
		exclude := append([]string{c.sid}, env.ExcludeSids...)
		d, err := protocol.NewDelivery(c.sid, identity.NewEventID(), env.CorrelationID, env.TS, env.Data)
		if err != nil {
			c.logger.Warn("broadcast envelope rejected", zap.Error(err))
			return
		}
		n, err := c.server.clients.Fanout(frame.Event, d, exclude)
		if err != nil {
			c.logger.Warn("broadcast partially failed", zap.Error(err))
		}
		c.logger.Debug("broadcast", zap.String("event", frame.Event), zap.Int("delivered", n))

	case protocol.OpRequest, protocol.OpRequestAll:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.answer(ctx, op, frame, env)
		}()
	}
}

func (c *Connection) answer(ctx context.Context, op protocol.Op, frame *protocol.Frame, env protocol.Envelope) {
	handlers := c.server.handlers.match(frame.Event, env.IncludeHandlers, env.ExcludeHandlers)

	var result any
	switch op {
	case protocol.OpRequest:
		if len(handlers) == 0 {
			c.sendAckError(frame.Ack, "no_handler", fmt.Sprintf("no handler for %q", frame.Event))
			return
		}
		result = protocol.Response{
			CorrelationID: env.CorrelationID,
			Results:       []protocol.ResultEntry{c.entry(ctx, frame.Event, handlers[0], env)},
		}
	default:
		entries := make([]protocol.ResultEntry, 0, len(handlers))
		for _, h := range handlers {
			entries = append(entries, c.entry(ctx, frame.Event, h, env))
		}
		results := []protocol.ResponderResult{}
		if len(entries) > 0 {
			results = append(results, protocol.ResponderResult{
				SID:           c.server.SID(),
				CorrelationID: env.CorrelationID,
				Results:       entries,
			})
		}
		result = results
	}

	raw, err := json.Marshal(result)
	if err != nil {
		c.sendAckError(frame.Ack, "internal", err.Error())
		return
	}
	c.sendFrame(protocol.Frame{Kind: protocol.KindAck, Ack: frame.Ack, Result: raw})
}

// entry runs one handler and renders its outcome. Failures are data.
func (c *Connection) entry(ctx context.Context, event string, h namedHandler, env protocol.Envelope) protocol.ResultEntry {
	out, err := c.invoke(ctx, event, h, env)
	if err != nil {
		code := "handler_error"
		var he *HandlerError
		if errors.As(err, &he) {
			code = he.Code
		}
		return protocol.ResultEntry{
			HandlerID: h.id,
			OK:        false,
			Error:     &protocol.ResultError{Code: code, Message: err.Error()},
		}
	}
	data, err := protocol.NormalizeData(out)
	if err != nil {
		return protocol.ResultEntry{
			HandlerID: h.id,
			Error:     &protocol.ResultError{Code: "bad_result", Message: err.Error()},
		}
	}
	return protocol.ResultEntry{HandlerID: h.id, OK: true, Data: data}
}

func (c *Connection) invoke(ctx context.Context, event string, h namedHandler, env protocol.Envelope) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", zap.String("handler", h.id), zap.Any("panic", r))
			err = fmt.Errorf("handler %s panicked: %v", h.id, r)
		}
	}()
	return h.fn(ctx, &Request{
		SID:       c.sid,
		ClientID:  c.clientID,
		Event:     event,
		HandlerID: h.id,
		Envelope:  env,
	})
}

func (c *Connection) sendEvent(event string, d *protocol.Delivery) error {
	b, err := eventFrame(event, d)
	if err != nil {
		return err
	}
	return c.conn.Send(b)
}

func (c *Connection) sendAckError(ack uint64, code, message string) {
	c.sendFrame(protocol.Frame{Kind: protocol.KindAck, Ack: ack, Error: &protocol.FrameError{Code: code, Message: message}})
}

func (c *Connection) sendFrame(f protocol.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("marshal frame", zap.Error(err))
		return
	}
	if err := c.conn.Send(b); err != nil {
		c.logger.Debug("send frame", zap.String("kind", f.Kind), zap.Error(err))
	}
}
