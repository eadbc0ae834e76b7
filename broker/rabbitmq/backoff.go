package rabbitmq

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const backoffJitter = 0.2

// Backoff yields jittered, exponentially growing waits between reconnection
// attempts. Every wait lies within [minDelay, maxDelay].
type Backoff struct {
	mu       sync.Mutex
	exp      *backoff.ExponentialBackOff
	minDelay time.Duration
	maxDelay time.Duration
	attempts int
}

func NewBackoff(minDelay, maxDelay time.Duration, mult float64) *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = minDelay
	exp.MaxInterval = maxDelay
	exp.Multiplier = mult
	exp.RandomizationFactor = backoffJitter
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &Backoff{exp: exp, minDelay: minDelay, maxDelay: maxDelay}
}

// Next returns the wait before the next attempt: the current delay +-20%,
// clamped to the configured bounds.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++
	// jitter is applied on top of MaxInterval by the library
	return min(max(b.exp.NextBackOff(), b.minDelay), b.maxDelay)
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exp.Reset()
	b.attempts = 0
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
