// Package limiter implements the engine's two-level speed throttle: a
// monotonic-clock token bucket, and a delegating wrapper that composes a
// global limiter with a per-task one so both budgets must clear on every
// acquire.
//
// golang.org/x/time/rate is deliberately not used here: the spec requires
// swapping a task's inner limiter by reference (DelegatingSpeedLimiter)
// and a live available-token readout for tests, neither of which
// rate.Limiter exposes without extra bookkeeping of its own. That package
// is still part of this module's stack — see internal/api's per-client
// request rate limiter.
package limiter

import (
	"context"
	"sync"
	"time"
)

// DefaultBurstBytes is the default cap on accumulated tokens.
const DefaultBurstBytes int64 = 64 * 1024 // 64 KiB

// SpeedLimiter throttles byte consumption. Acquire blocks until n bytes
// may be spent.
type SpeedLimiter interface {
	Acquire(ctx context.Context, n int64) error
}

// Unlimited never blocks.
type Unlimited struct{}

func (Unlimited) Acquire(ctx context.Context, n int64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// TokenBucket refills at a fixed byte rate, capped at burst, and blocks
// Acquire callers until enough tokens accumulate.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64 // bytes/sec
	burst      int64
	available  float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a bucket starting full, at the given rate and
// burst cap.
func NewTokenBucket(ratePerSecond float64, burst int64) *TokenBucket {
	if burst <= 0 {
		burst = DefaultBurstBytes
	}
	return &TokenBucket{
		rate:       ratePerSecond,
		burst:      burst,
		available:  float64(burst),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// UpdateRate changes the refill rate. It takes effect on the bucket's
// next refill; callers already parked in Acquire recompute their wait on
// their next loop iteration, so they are never starved by the update.
func (b *TokenBucket) UpdateRate(ratePerSecond float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.rate = ratePerSecond
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.available += elapsed * b.rate
		if b.available > float64(b.burst) {
			b.available = float64(b.burst)
		}
		b.lastRefill = now
	}
}

// Available reports the current token count (test/diagnostic use).
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.available
}

// Acquire blocks until n tokens (bytes) have been deducted, refilling
// and sleeping in a loop. Each pass takes whatever tokens are available
// (the bucket never holds more than burst) and then sleeps for as long
// as the rate needs to refill the rest, up to one burst, before looping.
func (b *TokenBucket) Acquire(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	remaining := float64(n)
	for {
		b.mu.Lock()
		b.refillLocked()
		take := b.available
		if take > remaining {
			take = remaining
		}
		if take > 0 {
			b.available -= take
			remaining -= take
		}
		if remaining <= 0 {
			b.mu.Unlock()
			return nil
		}
		missing := remaining
		if missing > float64(b.burst) {
			missing = float64(b.burst)
		}
		rate := b.rate
		b.mu.Unlock()

		var wait time.Duration
		if rate <= 0 {
			wait = time.Second
		} else {
			wait = time.Duration(missing/rate*1000) * time.Millisecond
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// DelegatingSpeedLimiter holds a replaceable inner limiter and forwards
// Acquire to it. The engine builds one global DelegatingSpeedLimiter for
// the process and one per task that chains to the global: both budgets
// must clear before bytes are released to a segment.
type DelegatingSpeedLimiter struct {
	mu    sync.RWMutex
	inner SpeedLimiter
	chain SpeedLimiter // optional: acquired first, e.g. the global limiter
}

// NewDelegatingSpeedLimiter creates a delegating limiter. chain may be
// nil (no upstream budget to clear, e.g. for the process-global limiter
// itself).
func NewDelegatingSpeedLimiter(inner SpeedLimiter, chain SpeedLimiter) *DelegatingSpeedLimiter {
	if inner == nil {
		inner = Unlimited{}
	}
	return &DelegatingSpeedLimiter{inner: inner, chain: chain}
}

// SetInner swaps the wrapped limiter, e.g. when a task's speed limit or
// the global config changes.
func (d *DelegatingSpeedLimiter) SetInner(inner SpeedLimiter) {
	if inner == nil {
		inner = Unlimited{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inner = inner
}

func (d *DelegatingSpeedLimiter) Acquire(ctx context.Context, n int64) error {
	d.mu.RLock()
	chain, inner := d.chain, d.inner
	d.mu.RUnlock()

	if chain != nil {
		if err := chain.Acquire(ctx, n); err != nil {
			return err
		}
	}
	return inner.Acquire(ctx, n)
}
