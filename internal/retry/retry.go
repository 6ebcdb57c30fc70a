// Package retry is the single backoff policy shared by the distributed
// mutex and the draw engine, replacing the ad hoc loops the components
// would otherwise each grow.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy describes a bounded retry loop with multiplicative backoff.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration

	// Retryable filters errors worth another attempt. Nil retries all.
	Retryable func(error) bool

	// OnRetry observes each failed attempt before the backoff sleep.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy matches the draw engine's outer retry budget.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     200 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      5 * time.Second,
	}
}

// Delay returns the backoff before the given 1-based attempt's retry.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
		if p.MaxDelay > 0 && d > p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts, or ctx is done. The clock is injectable so tests can use a
// fake.
func (p Policy) Do(ctx context.Context, clock clockwork.Clock, op func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}
		if delay := p.Delay(attempt); delay > 0 {
			timer := clock.NewTimer(delay)
			select {
			case <-timer.Chan():
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", attempts, lastErr)
}
