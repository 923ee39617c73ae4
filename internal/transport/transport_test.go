package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test-Token") == "bad" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "bye" {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketConn_Echo(t *testing.T) {
	srv := echoServer(t)
	d := &WebSocketDialer{HandshakeTimeout: time.Second}

	conn, err := d.Dial(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	received := make(chan string, 3)
	done := make(chan error, 1)
	go func() {
		done <- conn.Run(context.Background(), func(b []byte) { received <- string(b) })
	}()

	for i := range 3 {
		if err := conn.Send([]byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for i := range 3 {
		select {
		case got := <-received:
			if want := fmt.Sprintf("m%d", i); got != want {
				t.Errorf("message %d = %q, want %q", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for echo")
		}
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if DisconnectReason(err) != ReasonClientDisconnect {
			t.Errorf("Run error %v mapped to %q", err, DisconnectReason(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	if err := conn.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestWebSocketConn_PeerClose(t *testing.T) {
	srv := echoServer(t)
	d := &WebSocketDialer{}

	conn, err := d.Dial(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background(), func([]byte) {}) }()

	_ = conn.Send([]byte("bye"))
	select {
	case err := <-done:
		if DisconnectReason(err) != ReasonServerDisconnect {
			t.Errorf("Run error %v mapped to %q", err, DisconnectReason(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after peer close")
	}
}

func TestWebSocketDialer_Unauthorized(t *testing.T) {
	srv := echoServer(t)
	d := &WebSocketDialer{}

	header := http.Header{}
	header.Set("X-Test-Token", "bad")
	_, err := d.Dial(context.Background(), wsURL(srv), header)
	if !IsUnauthorized(err) {
		t.Fatalf("Dial error = %v, want unauthorized handshake", err)
	}
	var hs *HandshakeError
	if !errors.As(err, &hs) || hs.StatusCode != http.StatusForbidden {
		t.Errorf("HandshakeError = %+v", hs)
	}
}

func TestWebSocketDialer_Unreachable(t *testing.T) {
	d := &WebSocketDialer{HandshakeTimeout: 500 * time.Millisecond}
	_, err := d.Dial(context.Background(), "ws://127.0.0.1:1/", nil)
	if err == nil {
		t.Fatal("expected dial error")
	}
	if IsUnauthorized(err) {
		t.Error("network error reported as unauthorized")
	}
}

func TestDisconnectReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrClosed, ReasonClientDisconnect},
		{fmt.Errorf("%w: 1000", ErrPeerClosed), ReasonServerDisconnect},
		{context.Canceled, ReasonTransportClose},
		{errors.New("read error: reset"), ReasonTransportError},
	}
	for _, tt := range tests {
		if got := DisconnectReason(tt.err); got != tt.want {
			t.Errorf("DisconnectReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
