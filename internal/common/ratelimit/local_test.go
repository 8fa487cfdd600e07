package ratelimit

import (
	"context"
	"testing"
	"time"

	"market-cache/internal/common/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiter(t *testing.T) {
	config := Config{
		RequestsPerSecond: 10,
		BurstSize:         5,
		Enabled:           true,
	}

	limiter, err := NewLocalLimiter(config)
	require.NoError(t, err)

	for i := 0; i < config.BurstSize; i++ {
		assert.True(t, limiter.TryAcquire(), "request %d should be allowed", i)
	}

	assert.False(t, limiter.TryAcquire(), "request should be denied after burst exhausted")

	assert.NoError(t, limiter.Wait(context.Background()))

	stats := limiter.Stats()
	assert.Equal(t, int64(1), stats.Waits)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, 5, stats.BurstSize)
}

func TestLocalLimiter_WaitHonoursContext(t *testing.T) {
	limiter, err := NewLocalLimiter(Config{RequestsPerSecond: 0.1, BurstSize: 1, Enabled: true})
	require.NoError(t, err)

	require.True(t, limiter.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = limiter.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeRateLimit))
}

func TestLocalLimiter_Disabled(t *testing.T) {
	limiter, err := NewLocalLimiter(Config{Enabled: false})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		assert.True(t, limiter.TryAcquire())
	}
	assert.NoError(t, limiter.Wait(context.Background()))
	assert.False(t, limiter.Stats().Enabled)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		wantErr   bool
		wantBurst int
	}{
		{"disabled skips checks", Config{Enabled: false}, false, 0},
		{"burst defaults to rps", Config{Enabled: true, RequestsPerSecond: 4}, false, 4},
		{"fractional rps gets burst of one", Config{Enabled: true, RequestsPerSecond: 0.5}, false, 1},
		{"explicit burst kept", Config{Enabled: true, RequestsPerSecond: 4, BurstSize: 9}, false, 9},
		{"zero rps rejected", Config{Enabled: true}, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBurst, tt.config.BurstSize)
		})
	}
}
