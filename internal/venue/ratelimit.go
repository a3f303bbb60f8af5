// ratelimit.go implements token-bucket rate limiting for venue REST APIs.
//
// Perp venues enforce per-category request limits; this file provides a
// smooth token-bucket implementation that refills continuously (rather than
// in window-sized bursts) to stay clear of hard limits.
//
// Four buckets are maintained:
//   - Order:      100 burst / 10 per sec — order placement
//   - Cancel:     100 burst / 10 per sec — cancels
//   - MarketData: 200 burst / 20 per sec — BBO, depth, contract metadata
//   - Account:    100 burst / 10 per sec — positions, trades, leverage, listen keys
package venue

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by venue API endpoint category.
// Each REST call must go through the matching bucket's Wait() before the
// HTTP request is made.
type RateLimiter struct {
	Order      *TokenBucket // POST /order
	Cancel     *TokenBucket // DELETE /order
	MarketData *TokenBucket // GET /ticker/bookTicker, /depth, /exchangeInfo
	Account    *TokenBucket // GET /positionRisk, /userTrades, listen keys
}

// NewRateLimiter creates rate limiters tuned to typical perp-venue limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:      NewTokenBucket(100, 10),
		Cancel:     NewTokenBucket(100, 10),
		MarketData: NewTokenBucket(200, 20),
		Account:    NewTokenBucket(100, 10),
	}
}
