// Package retry implements the bounded exponential-backoff Retry Policy
// from spec.md §4.3, ported from the Python original's
// utils/retry_handler.py. Delay computation is delegated to
// github.com/jpillora/backoff (already an indirect dependency of the
// teacher repo via its Kucoin SDK transport) rather than hand-rolled, per
// the "never fall back to stdlib when the corpus shows an ecosystem way"
// rule.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/jpillora/backoff"

	"marketfeed/internal/model"
)

// Policy holds the bounded-retry parameters from spec.md §4.3.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	Jitter       bool
}

// DefaultPolicy matches spec.md's narrative defaults.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 60 * time.Second, Base: 2.0, Jitter: true}
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	return p
}

// delayer wraps jpillora/backoff configured from Policy.
func (p Policy) delayer() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    p.InitialDelay,
		Max:    p.MaxDelay,
		Factor: p.Base,
		Jitter: p.Jitter,
	}
}

// DelayForAttempt returns the delay before attempt k (0-indexed):
// min(max, init*base^k) * f, with f drawn uniformly from [1-j, 1+j], j = 0.5.
// The jitter is applied after the cap, so a capped delay can reach 1.5*max.
// jpillora/backoff's own jitter mode draws uniformly in [0, computed delay],
// which does not match the symmetric (1±j) envelope spec.md's testable
// property requires, so its Backoff.ForAttempt computes the unjittered base
// delay and the symmetric jitter is applied here on top of that value.
func (p Policy) DelayForAttempt(k int) time.Duration {
	p = p.withDefaults()
	d := p.delayer()
	d.Jitter = false

	delay := d.ForAttempt(float64(k))

	if !p.Jitter {
		return delay
	}
	jitterFraction := 0.5
	factor := 1 - jitterFraction + rand.Float64()*2*jitterFraction
	return time.Duration(float64(delay) * factor)
}

// Do runs fn, retrying up to MaxRetries times on retryable kinds (per
// model.Kind.Retryable). Non-retryable kinds (validation, circuit_open,
// exchange_client) propagate immediately without consuming budget.
// Composition order is fixed by the caller: Retry wraps Breaker wraps the
// actual call, so an open-circuit rejection reaches here as KindCircuitOpen
// and is never retried (spec.md §4.3 rationale).
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.DelayForAttempt(attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !model.KindOf(err).Retryable() {
			return err
		}
		if attempt == p.MaxRetries {
			return lastErr
		}
	}
	return lastErr
}
