package utils

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff returns the delay before retry number attempt (zero based). The
// un-jittered delay doubles from base; up to 50% extra jitter is added on top
// and the result never exceeds max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	return jittered(attempt, base, max, rand.Float64())
}

func jittered(attempt int, base, max time.Duration, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay >= max {
		return max
	}
	d := delay + time.Duration(float64(delay)*0.5*r)
	if d > max {
		return max
	}
	return d
}

// JitterBackOff adapts Backoff to backoff.BackOff so it can drive
// backoff.Retry and friends.
type JitterBackOff struct {
	Base time.Duration
	Max  time.Duration

	mu      sync.Mutex
	attempt int
}

var _ backoff.BackOff = (*JitterBackOff)(nil)

// NewJitterBackOff creates a jittered exponential backoff.
func NewJitterBackOff(base, max time.Duration) *JitterBackOff {
	return &JitterBackOff{Base: base, Max: max}
}

func (b *JitterBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := Backoff(b.attempt, b.Base, b.Max)
	b.attempt++
	return d
}

func (b *JitterBackOff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// NewExponentialBackoff creates the reconnect policy used by long lived
// connections such as the slot websocket.
func NewExponentialBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.1
	return b
}
