package connection

import (
	"math"
	"time"

	"wallet-stream/internal/infrastructure/config"
)

// DefaultRetryDelay is the fixed pause between a drop and the next handshake
const DefaultRetryDelay = time.Second

// RetryPolicy decides how long to wait before each reconnect attempt and
// when to give up. The zero value retries forever with DefaultRetryDelay.
type RetryPolicy struct {
	Delay         time.Duration
	MaxAttempts   int     // 0 means unbounded
	BackoffFactor float64 // <= 1 keeps the delay fixed
	MaxDelay      time.Duration
}

// DefaultRetryPolicy retries forever with a fixed one second delay
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delay:         DefaultRetryDelay,
		BackoffFactor: 1,
	}
}

// NewRetryPolicy builds a policy from connection configuration
func NewRetryPolicy(cfg *config.ConnectionConfig) RetryPolicy {
	return RetryPolicy{
		Delay:         cfg.RetryDelay,
		MaxAttempts:   cfg.RetryMaxAttempts,
		BackoffFactor: cfg.RetryBackoffFactor,
		MaxDelay:      cfg.RetryMaxDelay,
	}
}

// DelayFor returns the wait before the given 1-based reconnect attempt
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	base := p.Delay
	if base <= 0 {
		base = DefaultRetryDelay
	}
	if attempt <= 1 || p.BackoffFactor <= 1 {
		return p.capped(base)
	}

	grown := float64(base) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if grown > float64(math.MaxInt64) {
		return p.capped(time.Duration(math.MaxInt64))
	}
	return p.capped(time.Duration(grown))
}

// Exhausted reports whether no attempt may follow the given one
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

func (p RetryPolicy) capped(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
