// Package broker implements the rate-limited transport to the trading API:
// REST order/data client, token-bucket limiter, scrip resolver, and the live
// order-update stream.
package broker

import (
	"context"
	"sync"
	"time"

	"ladder_engine/internal/core"
	"ladder_engine/pkg/telemetry"
)

// RateLimiter is a capacity-1 token bucket with a connection-slot semaphore.
// Capacity 1 deliberately prevents bursts: requests come out evenly spaced
// instead of in batches.
type RateLimiter struct {
	mu         sync.Mutex
	maxRPS     float64
	tokens     float64
	lastUpdate time.Time

	// Temporary server-rate-limit penalty window.
	penaltyUntil time.Time
	penaltyRPS   float64 // 0 means no penalty rate recorded

	connSlots chan struct{}

	logger core.ILogger
}

// NewRateLimiter creates a limiter for the given request rate and connection bound.
func NewRateLimiter(maxRPS float64, maxConnections int, logger core.ILogger) *RateLimiter {
	if maxRPS <= 0 {
		logger.Warn("Invalid requests-per-second, using 1.0", "value", maxRPS)
		maxRPS = 1.0
	}
	if maxConnections <= 0 {
		logger.Warn("Invalid max connections, using 5", "value", maxConnections)
		maxConnections = 5
	}

	logger.Info("RateLimiter initialized", "rps", maxRPS, "max_connections", maxConnections)

	return &RateLimiter{
		maxRPS: maxRPS,
		// Bucket starts empty to avoid an initial burst.
		tokens:     0,
		lastUpdate: time.Now(),
		connSlots:  make(chan struct{}, maxConnections),
		logger:     logger.WithField("component", "rate_limiter"),
	}
}

// EffectiveRate returns the request rate currently in force, accounting for
// any active penalty window.
func (r *RateLimiter) EffectiveRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveRateLocked(time.Now())
}

func (r *RateLimiter) effectiveRateLocked(now time.Time) float64 {
	if now.Before(r.penaltyUntil) && r.penaltyRPS > 0 && r.penaltyRPS < r.maxRPS {
		return r.penaltyRPS
	}
	return r.maxRPS
}

// Penalize temporarily reduces the effective request rate after a
// server-signaled rate limit. Repeated penalties compound conservatively: the
// window only widens and the penalty rate only tightens.
func (r *RateLimiter) Penalize(cooldown time.Duration, penaltyRPS float64) {
	if cooldown <= 0 {
		return
	}

	now := time.Now()
	r.mu.Lock()
	until := now.Add(cooldown)
	if until.After(r.penaltyUntil) {
		r.penaltyUntil = until
	}
	if penaltyRPS > 0 && (r.penaltyRPS == 0 || penaltyRPS < r.penaltyRPS) {
		r.penaltyRPS = penaltyRPS
	}
	effective := r.effectiveRateLocked(now)
	windowEnd := r.penaltyUntil
	r.mu.Unlock()

	telemetry.GetGlobalMetrics().RatePenaltiesTotal.Add(context.Background(), 1)
	r.logger.Warn("Rate limit penalty applied",
		"effective_rps", effective,
		"until", windowEnd.Format(time.RFC3339),
	)
}

// Acquire blocks until a request token is available, retrying up to
// maxRetries token waits within maxWait total. Returns false when the bounds
// are exhausted; the caller must then fail the whole operation rather than
// proceed unthrottled.
func (r *RateLimiter) Acquire(maxRetries int, maxWait time.Duration) bool {
	if maxRetries < 1 {
		maxRetries = 1
	}
	deadline := time.Now().Add(maxWait)

	for attempt := 0; attempt < maxRetries; attempt++ {
		now := time.Now()

		r.mu.Lock()
		rate := r.effectiveRateLocked(now)
		elapsed := now.Sub(r.lastUpdate).Seconds()
		if elapsed > 0 {
			r.tokens += elapsed * rate
			if r.tokens > 1.0 {
				r.tokens = 1.0
			}
			r.lastUpdate = now
		}
		if r.tokens >= 1.0 {
			r.tokens -= 1.0
			r.mu.Unlock()
			return true
		}
		// Exact time until the next full token at the current rate.
		wait := time.Duration((1.0 - r.tokens) / rate * float64(time.Second))
		r.mu.Unlock()

		if now.Add(wait).After(deadline) {
			return false
		}
		time.Sleep(wait)
	}

	return false
}

// AcquireConnection claims an outbound connection slot, blocking until one is
// free or the context is cancelled.
func (r *RateLimiter) AcquireConnection(ctx context.Context) error {
	select {
	case r.connSlots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseConnection frees a slot claimed with AcquireConnection.
func (r *RateLimiter) ReleaseConnection() {
	select {
	case <-r.connSlots:
	default:
		r.logger.Warn("ReleaseConnection called without matching acquire")
	}
}

// ActiveConnections returns the number of claimed connection slots.
func (r *RateLimiter) ActiveConnections() int {
	return len(r.connSlots)
}
