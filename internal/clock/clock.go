// Package clock abstracts the timers the transport schedules (reconnect
// backoff, credential refresh) so tests can drive them deterministically.
package clock

import (
	"math/rand/v2"
	"time"
)

// Clock is the subset of the time package the transport depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for d, then calls f in its own goroutine (real)
	// or synchronously from Advance (fake). The returned Timer cancels
	// the pending call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable handle for a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the call from firing. It reports whether the call was
// still pending.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}

// Jitter returns a random duration in [0, max).
type Jitter func(max time.Duration) time.Duration

// RandomJitter draws uniformly from [0, max).
func RandomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// NoJitter always returns zero.
func NoJitter(time.Duration) time.Duration { return 0 }
