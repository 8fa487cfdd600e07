package provider

import (
	"context"
	stderrors "errors"
	"math/rand"
	"strings"
	"time"

	"market-cache/internal/common/errors"
	"market-cache/internal/common/logging"
)

// RetryConfig controls WithRetry
type RetryConfig struct {
	// MaxAttempts includes the first call. Values below 2 disable retries.
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// JitterFactor adds up to this fraction of the delay at random
	JitterFactor float64
	// Retryable decides which errors are worth another attempt. Defaults to Transient.
	Retryable func(error) bool
	Logger    logging.Logger
}

// DefaultRetryConfig retries twice, starting at 200ms
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// Transient reports whether err is a provider failure that may succeed on a
// later attempt: transport errors, 5xx and 429 responses. Client errors,
// cancellation and an open breaker are final.
func Transient(err error) bool {
	if err == nil || !errors.IsType(err, errors.ErrTypeProvider) {
		return false
	}

	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) || appErr.Code == "" {
		return true
	}
	return strings.HasPrefix(appErr.Code, "http_5") || appErr.Code == "http_429"
}

// WithRetry calls p again with exponential backoff while it fails with a
// retryable error. The last error is returned once attempts run out.
func WithRetry(p Provider, config RetryConfig) Provider {
	if config.MaxAttempts < 2 {
		return p
	}
	if config.Retryable == nil {
		config.Retryable = Transient
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	if config.Logger == nil {
		config.Logger = logging.GetGlobalLogger()
	}

	return FetchFunc(func(ctx context.Context, id string) (interface{}, error) {
		delay := config.InitialDelay

		for attempt := 1; ; attempt++ {
			value, err := p.Fetch(ctx, id)
			if err == nil {
				return value, nil
			}
			if attempt >= config.MaxAttempts || !config.Retryable(err) {
				return nil, err
			}

			wait := withJitter(delay, config.JitterFactor)
			config.Logger.Debug("Retrying provider fetch",
				logging.String("id", id),
				logging.Int("attempt", attempt),
				logging.Duration("wait", wait),
				logging.Err(err),
			)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, errors.CancelledError(id, ctx.Err())
			case <-timer.C:
			}

			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if config.MaxDelay > 0 && delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
	})
}

func withJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 || delay <= 0 {
		return delay
	}
	jitter := int64(float64(delay) * factor)
	if jitter <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(jitter))
}
