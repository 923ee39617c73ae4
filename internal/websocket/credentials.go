package websocket

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// DefaultTokenTTL is how long issued tokens stay valid.
const DefaultTokenTTL = 5 * time.Minute

// tokenIssuer signs the tokens the credential endpoint hands out and
// verifies them on upgrade. Rotating the key invalidates every
// outstanding token.
type tokenIssuer struct {
	ttl time.Duration

	mu  sync.RWMutex
	key []byte
}

type tokenClaims struct {
	RuntimeID string `json:"rt"`
	jwt.RegisteredClaims
}

func newTokenIssuer(ttl time.Duration) *tokenIssuer {
	t := &tokenIssuer{ttl: ttl}
	t.rotate()
	return t
}

func (t *tokenIssuer) rotate() {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	t.mu.Lock()
	t.key = key
	t.mu.Unlock()
}

func (t *tokenIssuer) issue(runtimeID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(t.ttl)
	claims := tokenClaims{
		RuntimeID: runtimeID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	t.mu.RLock()
	key := t.key
	t.mu.RUnlock()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func (t *tokenIssuer) verify(token string) (*tokenClaims, error) {
	if token == "" {
		return nil, errors.New("missing token")
	}
	t.mu.RLock()
	key := t.key
	t.mu.RUnlock()

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

type runtimeInfo struct {
	ID            string `json:"id"`
	IsDevelopment bool   `json:"isDevelopment"`
}

type credentialResponse struct {
	OK         bool         `json:"ok"`
	Token      string       `json:"token,omitempty"`
	Error      string       `json:"error,omitempty"`
	Runtime    *runtimeInfo `json:"runtime,omitempty"`
	ExpiresAt  float64      `json:"expires_at,omitempty"`
	TTLSeconds float64      `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runtimeID := s.RuntimeID()
	token, exp, err := s.issuer.issue(runtimeID, time.Now())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	resp := credentialResponse{OK: err == nil}
	if err != nil {
		s.logger.Error("issue token failed", zap.Error(err))
		resp.Error = "issue_failed"
		w.WriteHeader(http.StatusInternalServerError)
	} else {
		resp.Token = token
		resp.Runtime = &runtimeInfo{ID: runtimeID, IsDevelopment: true}
		resp.ExpiresAt = float64(exp.Unix())
		resp.TTLSeconds = s.issuer.ttl.Seconds()
	}
	_ = json.NewEncoder(w).Encode(resp)
}
