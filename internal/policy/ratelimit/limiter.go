// Package ratelimit spaces out calls against a shared, non-negotiable quota.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config holds pacer configuration.
type Config struct {
	// Interval is the minimum spacing between two calls. Zero disables pacing.
	Interval time.Duration
}

// Pacer serializes callers onto a single token bucket with burst 1, so no two
// calls start closer together than the configured interval.
type Pacer struct {
	limiter *rate.Limiter
	observe func(time.Duration)
}

// New creates a Pacer. observe, if non-nil, receives every non-trivial wait.
func New(cfg Config, observe func(time.Duration)) *Pacer {
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	return &Pacer{
		limiter: rate.NewLimiter(limit, 1),
		observe: observe,
	}
}

// Wait blocks until the next call may start, respecting the context.
func (p *Pacer) Wait(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return time.Since(start), fmt.Errorf("rate limit wait: %w", err)
	}
	waited := time.Since(start)
	if waited > time.Millisecond && p.observe != nil {
		p.observe(waited)
	}
	return waited, nil
}
