package client

import (
	"math"
	"math/rand"
	"time"
)

// DefaultMaxDelay is the retry delay the backoff curve converges to (before jitter).
const DefaultMaxDelay = 40 * time.Second

// BackoffFunc returns the retry delay after n consecutive failures (n starts from 0).
type BackoffFunc func(n int) time.Duration

// NewBackoff returns the default backoff curve: (1 - e^(-0.1*(n+1))) * maxDelay * jitter, jitter in [1.0, 1.2).
func NewBackoff(maxDelay time.Duration) BackoffFunc {
	return func(n int) time.Duration {
		if n < 0 {
			n = 0
		}

		factor := 1 - math.Exp(-0.1*float64(n+1))
		jitter := 1 + rand.Float64()*0.2

		return time.Duration(factor * jitter * float64(maxDelay))
	}
}

// DefaultBackoff is NewBackoff with DefaultMaxDelay.
func DefaultBackoff(n int) time.Duration {
	return NewBackoff(DefaultMaxDelay)(n)
}
