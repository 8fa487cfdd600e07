package circuitbreaker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"market-cache/internal/common/errors"
	"market-cache/internal/common/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(maxFailures int, timeout time.Duration) Config {
	return Config{
		MaxFailures:           maxFailures,
		Timeout:               timeout,
		MaxConcurrentRequests: 1,
		Interval:              time.Minute,
	}
}

func TestGoBreakerAdapter(t *testing.T) {
	logger := logging.NewNopLogger()

	t.Run("basic operation", func(t *testing.T) {
		cb := NewGoBreaker("test-basic", testConfig(2, 100*time.Millisecond), logger)

		assert.Equal(t, StateClosed, cb.State())
		assert.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, "test-basic", cb.Name())
	})

	t.Run("circuit opens after failures", func(t *testing.T) {
		cb := NewGoBreaker("test-failures", testConfig(3, 100*time.Millisecond), logger)

		for i := 0; i < 3; i++ {
			err := cb.Execute(context.Background(), func() error {
				return fmt.Errorf("failure %d", i)
			})
			assert.Error(t, err)
		}

		assert.Equal(t, StateOpen, cb.State())
		assert.True(t, cb.IsOpen())

		called := false
		err := cb.Execute(context.Background(), func() error {
			called = true
			return nil
		})
		require.Error(t, err)
		assert.False(t, called)
		assert.True(t, errors.IsType(err, errors.ErrTypeUnavailable))
		assert.Contains(t, err.Error(), "test-failures")
	})

	t.Run("circuit recovers through half-open", func(t *testing.T) {
		cb := NewGoBreaker("test-half-open", testConfig(2, 30*time.Millisecond), logger)

		for i := 0; i < 2; i++ {
			_ = cb.Execute(context.Background(), func() error { return fmt.Errorf("failure") })
		}
		require.Equal(t, StateOpen, cb.State())

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, StateHalfOpen, cb.State())

		assert.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("caller errors do not trip", func(t *testing.T) {
		cb := NewGoBreaker("test-caller-errors", testConfig(2, time.Second), logger)

		callerErrors := []error{
			errors.ValidationError("bad symbol"),
			errors.NotFoundError("quote"),
			errors.CancelledError("AAPL", context.Canceled),
			context.Canceled,
			fmt.Errorf("wrapped: %w", errors.ValidationError("bad timeframe")),
		}
		for _, callerErr := range callerErrors {
			err := cb.Execute(context.Background(), func() error { return callerErr })
			assert.Equal(t, callerErr, err)
		}

		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, uint32(0), cb.Stats().Failures)
	})

	t.Run("cancelled context short-circuits", func(t *testing.T) {
		cb := NewGoBreaker("test-ctx", testConfig(2, time.Second), logger)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := cb.Execute(ctx, func() error {
			t.Fatal("should not run")
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, uint32(0), cb.Stats().Requests)
	})

	t.Run("stats", func(t *testing.T) {
		cb := NewGoBreaker("test-stats", testConfig(5, time.Second), logger)

		_ = cb.Execute(context.Background(), func() error { return nil })
		_ = cb.Execute(context.Background(), func() error { return fmt.Errorf("x") })

		stats := cb.Stats()
		assert.Equal(t, "test-stats", stats.Name)
		assert.Equal(t, "closed", stats.State)
		assert.Equal(t, uint32(2), stats.Requests)
		assert.Equal(t, uint32(1), stats.Successes)
		assert.Equal(t, uint32(1), stats.Failures)
		assert.Equal(t, uint32(1), stats.ConsecutiveFailures)
	})

	t.Run("invalid config falls back to defaults", func(t *testing.T) {
		cb := NewGoBreaker("test-invalid", Config{}, logger)

		for i := 0; i < DefaultConfig().MaxFailures-1; i++ {
			_ = cb.Execute(context.Background(), func() error { return fmt.Errorf("x") })
		}
		assert.Equal(t, StateClosed, cb.State())

		_ = cb.Execute(context.Background(), func() error { return fmt.Errorf("x") })
		assert.Equal(t, StateOpen, cb.State())
	})
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, RedisTierConfig.Validate())
	assert.NoError(t, ProviderConfig.Validate())

	assert.Error(t, Config{Timeout: time.Second, MaxConcurrentRequests: 1}.Validate())
	assert.Error(t, Config{MaxFailures: 1, MaxConcurrentRequests: 1}.Validate())
	assert.Error(t, Config{MaxFailures: 1, Timeout: time.Second}.Validate())
	assert.Error(t, Config{MaxFailures: 1, Timeout: time.Second, MaxConcurrentRequests: 1, Interval: -1}.Validate())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(logging.NewNopLogger())

	redis := registry.GetOrCreate("redis-tier", RedisTierConfig)
	provider := registry.GetOrCreate("provider", ProviderConfig)

	assert.Same(t, redis, registry.GetOrCreate("redis-tier", DefaultConfig()))

	got, ok := registry.Get("provider")
	require.True(t, ok)
	assert.Same(t, provider, got)

	_, ok = registry.Get("missing")
	assert.False(t, ok)

	stats := registry.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "provider", stats[0].Name)
	assert.Equal(t, "redis-tier", stats[1].Name)
}
