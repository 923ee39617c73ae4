package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
	sendBufferSize = 256

	// DefaultHandshakeTimeout bounds the websocket upgrade.
	DefaultHandshakeTimeout = 10 * time.Second
)

// WebSocketDialer dials the peer with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	// Jar supplies cookies for the upgrade request, shared with the
	// credential endpoint.
	Jar http.CookieJar
}

// Dial opens a websocket connection. An HTTP rejection of the upgrade is
// returned as *HandshakeError.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		Jar:              d.Jar,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketConn(conn), nil
}

// WebSocketConn adapts a gorilla connection to Conn. Writes go through a
// buffered queue drained by a single writer.
type WebSocketConn struct {
	conn   *websocket.Conn
	sendCh chan []byte

	mu     sync.Mutex
	closed bool
}

// NewWebSocketConn wraps an established gorilla connection. The peer side
// of the dev server uses it too.
func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{
		conn:   conn,
		sendCh: make(chan []byte, sendBufferSize),
	}
}

// Run starts the read and write loops and blocks until either ends.
func (c *WebSocketConn) Run(ctx context.Context, onMessage func([]byte)) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.readLoop(onMessage) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		// Unblocks ReadMessage when the write side or ctx ended first.
		_ = c.Close()
		return gctx.Err()
	})

	return g.Wait()
}

func (c *WebSocketConn) readLoop(onMessage func([]byte)) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return ErrClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("%w: %v", ErrPeerClosed, err)
			}
			return fmt.Errorf("read error: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		onMessage(message)
	}
}

func (c *WebSocketConn) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case message, ok := <-c.sendCh:
			if !ok {
				return ErrClosed
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return fmt.Errorf("write error: %w", err)
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping error: %w", err)
			}
		}
	}
}

// Send queues msg for the write loop.
func (c *WebSocketConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	select {
	case c.sendCh <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close sends a close frame and closes the socket.
func (c *WebSocketConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.sendCh)
	c.mu.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *WebSocketConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
