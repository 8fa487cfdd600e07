// Package ratelimit throttles calls to external providers with golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"sync"

	"market-cache/internal/common/errors"

	"golang.org/x/time/rate"
)

// Limiter throttles callers to a configured rate
type Limiter interface {
	Wait(ctx context.Context) error
	TryAcquire() bool
	Stats() Stats
}

// Stats is a point-in-time view of a limiter
type Stats struct {
	Enabled           bool    `json:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	BurstSize         int     `json:"burst_size"`
	AvailableTokens   float64 `json:"available_tokens"`
	Waits             int64   `json:"waits"`
	Rejected          int64   `json:"rejected"`
}

// localLimiter implements Limiter on a single token bucket
type localLimiter struct {
	mu       sync.Mutex
	config   Config
	limiter  *rate.Limiter
	waits    int64
	rejected int64
}

// NewLocalLimiter creates a new in-process rate limiter
func NewLocalLimiter(config Config) (Limiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	limit := rate.Inf
	if config.Enabled {
		limit = rate.Limit(config.RequestsPerSecond)
	}

	return &localLimiter{
		config:  config,
		limiter: rate.NewLimiter(limit, config.BurstSize),
	}, nil
}

// Wait blocks until a token is available or ctx is done
func (rl *localLimiter) Wait(ctx context.Context) error {
	if !rl.config.Enabled {
		return nil
	}

	rl.mu.Lock()
	rl.waits++
	rl.mu.Unlock()

	if err := rl.limiter.Wait(ctx); err != nil {
		rl.mu.Lock()
		rl.rejected++
		rl.mu.Unlock()
		return errors.RateLimitError("provider").WithContext("reason", err.Error())
	}
	return nil
}

// TryAcquire takes a token without blocking
func (rl *localLimiter) TryAcquire() bool {
	if !rl.config.Enabled {
		return true
	}

	if rl.limiter.Allow() {
		return true
	}

	rl.mu.Lock()
	rl.rejected++
	rl.mu.Unlock()
	return false
}

// Stats returns limiter statistics
func (rl *localLimiter) Stats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return Stats{
		Enabled:           rl.config.Enabled,
		RequestsPerSecond: rl.config.RequestsPerSecond,
		BurstSize:         rl.config.BurstSize,
		AvailableTokens:   rl.limiter.Tokens(),
		Waits:             rl.waits,
		Rejected:          rl.rejected,
	}
}
