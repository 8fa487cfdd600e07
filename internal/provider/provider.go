// Package provider defines the external market data source the cache is
// populated from, an HTTP JSON implementation, and decorators that add a
// circuit breaker and client-side throttling.
package provider

import (
	"context"

	"market-cache/internal/circuitbreaker"
	"market-cache/internal/common/errors"
	"market-cache/internal/common/ratelimit"
)

// Provider fetches the value identified by id. Results are cached verbatim.
type Provider interface {
	Fetch(ctx context.Context, id string) (interface{}, error)
}

// FetchFunc adapts a function to Provider
type FetchFunc func(ctx context.Context, id string) (interface{}, error)

// Fetch calls f
func (f FetchFunc) Fetch(ctx context.Context, id string) (interface{}, error) {
	return f(ctx, id)
}

// WithBreaker guards p with breaker. While the breaker is open calls fail
// immediately with an unavailable error.
func WithBreaker(p Provider, breaker *circuitbreaker.GoBreakerAdapter) Provider {
	if breaker == nil {
		return p
	}
	return FetchFunc(func(ctx context.Context, id string) (interface{}, error) {
		var value interface{}
		err := breaker.Execute(ctx, func() error {
			var fetchErr error
			value, fetchErr = p.Fetch(ctx, id)
			return fetchErr
		})
		if err != nil {
			return nil, err
		}
		return value, nil
	})
}

// WithRateLimit waits for limiter before every call to p
func WithRateLimit(p Provider, limiter ratelimit.Limiter) Provider {
	if limiter == nil {
		return p
	}
	return FetchFunc(func(ctx context.Context, id string) (interface{}, error) {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, errors.CancelledError(id, ctx.Err())
			}
			return nil, err
		}
		return p.Fetch(ctx, id)
	})
}
