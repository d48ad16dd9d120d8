// Package retry provides decorator-style exponential-backoff retries and a
// circuit breaker for ledger-facing operations.
package retry

import (
	"context"
	"math"
	"time"

	"chatpay/errs"
)

// Config bounds a retried operation.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
}

// DefaultConfig mirrors the ledger submission policy: up to three attempts
// with doubling delays capped at ten seconds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Base:         2,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Base <= 1 {
		c.Base = 2
	}
	return c
}

// Delay computes the sleep before attempt k (1-based): min(max, initial·base^(k−1)).
func (c Config) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := time.Duration(float64(c.InitialDelay) * math.Pow(c.Base, float64(attempt-2)))
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Do executes op up to cfg.MaxAttempts times. Non-retryable error kinds
// (validation, state, balance, ...) short-circuit immediately.
func Do(ctx context.Context, cfg Config, op func() error) error {
	cfg = cfg.normalized()
	var last error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if delay := cfg.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return errs.Wrap(errs.KindLedgerTransient, "retry: cancelled", ctx.Err())
			case <-time.After(delay):
			}
		}
		last = op()
		if last == nil {
			return nil
		}
		if !errs.Retryable(last) {
			return last
		}
	}
	return last
}
