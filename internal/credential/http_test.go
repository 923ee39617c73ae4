package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestHTTPSource_Fetch(t *testing.T) {
	var gotAccept, gotForce, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotForce = r.URL.Query().Get("force")
		if c, err := r.Cookie("session"); err == nil {
			gotCookie = c.Value
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"token":"abc","runtime":{"id":"rt-9","isDevelopment":true},"expires_at":1767225660.5,"ttl_seconds":60}`))
	}))
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(srv.URL)
	jar.SetCookies(u, []*http.Cookie{{Name: "session", Value: "s1"}})

	src := NewHTTPSource(srv.URL+"/credentials", jar)
	g, err := src.Fetch(context.Background(), true)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if g.Token != "abc" || g.RuntimeID != "rt-9" || !g.IsDevelopment {
		t.Errorf("grant = %+v", g)
	}
	if g.TTL != time.Minute {
		t.Errorf("TTL = %v, want 1m", g.TTL)
	}
	want := time.Unix(1767225660, 500_000_000)
	if d := g.ExpiresAt.Sub(want); d < -time.Millisecond || d > time.Millisecond {
		t.Errorf("ExpiresAt = %v, want %v", g.ExpiresAt, want)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotForce != "1" {
		t.Errorf("force param = %q, want 1", gotForce)
	}
	if gotCookie != "s1" {
		t.Errorf("session cookie = %q, want s1", gotCookie)
	}
}

func TestHTTPSource_Unauthorized(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		auth   bool
	}{
		{"status 401", http.StatusUnauthorized, ``, true},
		{"status 403", http.StatusForbidden, ``, true},
		{"expired session", http.StatusOK, `{"ok":false,"error":"session_expired"}`, true},
		{"other failure", http.StatusOK, `{"ok":false,"error":"runtime_unavailable"}`, false},
		{"server error", http.StatusInternalServerError, `oops`, false},
		{"empty token", http.StatusOK, `{"ok":true}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPSource(srv.URL, nil).Fetch(context.Background(), false)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrUnauthorized); got != tt.auth {
				t.Errorf("errors.Is(ErrUnauthorized) = %v, want %v (err: %v)", got, tt.auth, err)
			}
		})
	}
}
