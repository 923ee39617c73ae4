// Package credential obtains and caches the short-lived anti-forgery token
// the transport presents when it connects, and renews it before expiry.
package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/leonletto/livewire/internal/clock"
	"github.com/leonletto/livewire/internal/logging"
)

// ErrUnauthorized is returned when the credential endpoint rejects the
// caller (expired or missing session).
var ErrUnauthorized = errors.New("credential: unauthorized")

const (
	minRefreshDelay  = time.Second
	minRefreshMargin = 10 * time.Second
	maxRefreshJitter = 5 * time.Second
)

// Grant is one issued token bound to a backend runtime.
type Grant struct {
	Token         string
	RuntimeID     string
	IsDevelopment bool
	ExpiresAt     time.Time
	TTL           time.Duration
}

// Source fetches a fresh grant. force asks the endpoint to bypass any
// server-side cache.
type Source interface {
	Fetch(ctx context.Context, force bool) (*Grant, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, force bool) (*Grant, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context, force bool) (*Grant, error) { return f(ctx, force) }

// Preflight caches the current grant and schedules its renewal.
type Preflight struct {
	source Source
	clock  clock.Clock
	jitter clock.Jitter
	logger *zap.Logger
	group  singleflight.Group

	mu         sync.Mutex
	grant      *Grant
	refresh    *clock.Timer
	generation uint64
}

// Option configures a Preflight.
type Option func(*Preflight)

// WithClock sets the clock used for expiry checks and the refresh timer.
func WithClock(c clock.Clock) Option {
	return func(p *Preflight) { p.clock = c }
}

// WithJitter sets the refresh jitter source.
func WithJitter(j clock.Jitter) Option {
	return func(p *Preflight) { p.jitter = j }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Preflight) { p.logger = logging.OrNop(l) }
}

// New creates a Preflight over source.
func New(source Source, opts ...Option) *Preflight {
	p := &Preflight{
		source: source,
		clock:  clock.Real(),
		jitter: clock.RandomJitter,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ensure returns a valid grant, fetching one when none is cached, the
// cached one has expired, or force is set. Concurrent callers share one
// in-flight fetch. ctx bounds only this caller's wait.
func (p *Preflight) Ensure(ctx context.Context, force bool) (*Grant, error) {
	if !force {
		if g := p.Current(); g != nil {
			return g, nil
		}
	}

	ch := p.group.DoChan("preflight", func() (any, error) {
		return p.fetch(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Grant), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Current returns the cached grant if it has not expired.
func (p *Preflight) Current() *Grant {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.grant == nil || !p.clock.Now().Before(p.grant.ExpiresAt) {
		return nil
	}
	return p.grant
}

// Invalidate drops the cached grant and cancels the pending refresh, so
// the next Ensure fetches again.
func (p *Preflight) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grant = nil
	p.generation++
	p.refresh.Stop()
	p.refresh = nil
}

func (p *Preflight) fetch(ctx context.Context) (*Grant, error) {
	p.mu.Lock()
	gen := p.generation
	p.mu.Unlock()

	g, err := p.source.Fetch(ctx, false)
	if errors.Is(err, ErrUnauthorized) {
		p.logger.Debug("credential rejected, retrying with a fresh token")
		g, err = p.source.Fetch(ctx, true)
	}
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	fillExpiry(g, now)

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation {
		// Invalidated while fetching; hand the grant to the waiting
		// callers without caching it.
		return g, nil
	}
	p.grant = g
	p.refresh.Stop()
	delay := RefreshDelay(now, g.ExpiresAt, g.TTL) + p.jitter(maxRefreshJitter)
	p.refresh = p.clock.AfterFunc(delay, p.onRefresh)

	p.logger.Debug("credential cached",
		zap.String("runtime_id", g.RuntimeID),
		zap.Time("expires_at", g.ExpiresAt),
		zap.Duration("refresh_in", delay),
	)
	return g, nil
}

func (p *Preflight) onRefresh() {
	if _, err := p.Ensure(context.Background(), true); err != nil {
		p.logger.Warn("scheduled credential refresh failed", zap.Error(err))
	}
}

// RefreshDelay is how long to wait before renewing a grant:
// max(1s, expiry - now - max(10s, ttl/2)).
func RefreshDelay(now, expiresAt time.Time, ttl time.Duration) time.Duration {
	margin := max(minRefreshMargin, ttl/2)
	return max(minRefreshDelay, expiresAt.Sub(now)-margin)
}

// fillExpiry derives whichever of ExpiresAt and TTL the endpoint omitted.
// A missing expiry is read from the token's exp claim when the token is
// a JWT, else computed from the TTL.
func fillExpiry(g *Grant, now time.Time) {
	if g.ExpiresAt.IsZero() {
		if exp, ok := tokenExpiry(g.Token); ok {
			g.ExpiresAt = exp
		} else {
			g.ExpiresAt = now.Add(g.TTL)
		}
	}
	if g.TTL <= 0 {
		g.TTL = max(0, g.ExpiresAt.Sub(now))
	}
}

func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
