package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Default fetch limits for HTTPSource.
const (
	DefaultFetchesPerSecond = 2
	DefaultFetchBurst       = 4
	maxResponseBytes        = 1 << 20
)

// Error codes the endpoint uses for an expired or missing session.
var authErrorCodes = map[string]bool{
	"unauthorized":    true,
	"forbidden":       true,
	"session_expired": true,
	"no_session":      true,
}

// HTTPSource fetches grants from the credential endpoint.
type HTTPSource struct {
	URL     string
	Client  *http.Client
	Limiter *rate.Limiter
}

// NewHTTPSource returns a source for endpoint. jar carries the session
// cookies the endpoint authenticates; it may be nil.
func NewHTTPSource(endpoint string, jar http.CookieJar) *HTTPSource {
	return &HTTPSource{
		URL:     endpoint,
		Client:  &http.Client{Jar: jar, Timeout: 15 * time.Second},
		Limiter: rate.NewLimiter(DefaultFetchesPerSecond, DefaultFetchBurst),
	}
}

type grantResponse struct {
	OK      bool   `json:"ok"`
	Token   string `json:"token"`
	Error   string `json:"error"`
	Runtime struct {
		ID            string `json:"id"`
		IsDevelopment bool   `json:"isDevelopment"`
	} `json:"runtime"`
	ExpiresAt  float64 `json:"expires_at"`
	TTLSeconds float64 `json:"ttl_seconds"`
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, force bool) (*Grant, error) {
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("credential fetch rate limit: %w", err)
		}
	}

	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("parse credential url: %w", err)
	}
	if force {
		q := u.Query()
		q.Set("force", "1")
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build credential request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch credential: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("credential endpoint returned %d: %w", resp.StatusCode, ErrUnauthorized)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read credential response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credential endpoint returned %d", resp.StatusCode)
	}

	var gr grantResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, fmt.Errorf("decode credential response: %w", err)
	}
	if !gr.OK {
		if authErrorCodes[gr.Error] {
			return nil, fmt.Errorf("credential endpoint: %s: %w", gr.Error, ErrUnauthorized)
		}
		return nil, fmt.Errorf("credential endpoint: %s", gr.Error)
	}
	if gr.Token == "" {
		return nil, errors.New("credential endpoint returned an empty token")
	}

	g := &Grant{
		Token:         gr.Token,
		RuntimeID:     gr.Runtime.ID,
		IsDevelopment: gr.Runtime.IsDevelopment,
		TTL:           time.Duration(gr.TTLSeconds * float64(time.Second)),
	}
	if gr.ExpiresAt > 0 {
		sec, frac := math.Modf(gr.ExpiresAt)
		g.ExpiresAt = time.Unix(int64(sec), int64(frac*1e9))
	}
	return g, nil
}
