package connection

import "time"

// Reconnect defaults.
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultMaxExponent = 6
	DefaultMaxJitter   = 200 * time.Millisecond
)

// Backoff configures reconnect scheduling.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxExponent int
	MaxJitter   time.Duration
}

// DefaultBackoff returns the standard reconnect policy: 1s doubling to a
// 10s cap, plus up to 200ms of jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        DefaultBaseDelay,
		Max:         DefaultMaxDelay,
		MaxExponent: DefaultMaxExponent,
		MaxJitter:   DefaultMaxJitter,
	}
}

// Delay returns min(Max, Base * 2^min(attempts, MaxExponent)) without jitter.
func (b Backoff) Delay(attempts int) time.Duration {
	exp := min(max(attempts, 0), b.MaxExponent)
	d := b.Base << exp
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}
