package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"market-cache/internal/common/errors"
	"market-cache/internal/common/logging"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryTier(t *testing.T, capacity int) (*MemoryTier, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	tier, err := NewMemoryTier(capacity, WithClock(mock), WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	return tier, mock
}

func TestNewMemoryTier_RejectsZeroCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		tier, err := NewMemoryTier(capacity)
		assert.Nil(t, tier)
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	}
}

func TestMemoryTier_TTLExpiry(t *testing.T) {
	tier, mock := newTestMemoryTier(t, 10)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "k", "v", time.Second, nil))

	value, ok, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", value)

	// Still readable exactly at the TTL
	mock.Add(time.Second)
	_, ok, _ = tier.Get(ctx, "k")
	assert.True(t, ok)

	mock.Add(time.Second)
	_, ok, err = tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	stats, err := tier.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalItems)
}

func TestMemoryTier_NonPositiveTTLIsImmediatelyExpired(t *testing.T) {
	tier, _ := newTestMemoryTier(t, 10)
	ctx := context.Background()

	for _, ttl := range []time.Duration{0, -time.Minute} {
		key := fmt.Sprintf("ttl-%v", ttl)
		require.NoError(t, tier.Set(ctx, key, "v", ttl, nil))

		// Written, but never readable
		_, stored := tier.Entry(key)
		assert.True(t, stored)

		_, ok, err := tier.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		_, stored = tier.Entry(key)
		assert.False(t, stored, "expired entry should be removed by the read")
	}
}

func TestMemoryTier_LRUEviction(t *testing.T) {
	tier, mock := newTestMemoryTier(t, 2)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "a", 1, time.Minute, nil))
	mock.Add(time.Millisecond)
	require.NoError(t, tier.Set(ctx, "b", 2, time.Minute, nil))
	mock.Add(time.Millisecond)

	_, ok, _ := tier.Get(ctx, "a")
	require.True(t, ok)
	mock.Add(time.Millisecond)

	require.NoError(t, tier.Set(ctx, "c", 3, time.Minute, nil))

	exists, _ := tier.Exists(ctx, "a")
	assert.True(t, exists, "recently read entry must survive")
	exists, _ = tier.Exists(ctx, "b")
	assert.False(t, exists, "least recently accessed entry must be evicted")
	exists, _ = tier.Exists(ctx, "c")
	assert.True(t, exists)

	stats, _ := tier.Stats(ctx)
	assert.Equal(t, 2, stats.TotalItems)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestMemoryTier_EvictionIgnoresAccessCount(t *testing.T) {
	tier, _ := newTestMemoryTier(t, 2)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "hot", 1, time.Minute, nil))
	for i := 0; i < 10; i++ {
		_, _, _ = tier.Get(ctx, "hot")
	}
	require.NoError(t, tier.Set(ctx, "cold", 2, time.Minute, nil))
	require.NoError(t, tier.Set(ctx, "new", 3, time.Minute, nil))

	_, stored := tier.Entry("hot")
	assert.False(t, stored, "frequently read but least recent entry is evicted")
	_, stored = tier.Entry("cold")
	assert.True(t, stored)
}

func TestMemoryTier_OverwriteDoesNotEvict(t *testing.T) {
	tier, mock := newTestMemoryTier(t, 2)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "a", 1, time.Minute, []string{"x"}))
	require.NoError(t, tier.Set(ctx, "b", 2, time.Minute, nil))
	_, _, _ = tier.Get(ctx, "a")

	mock.Add(time.Second)
	require.NoError(t, tier.Set(ctx, "a", 10, time.Minute, nil))

	entry, ok := tier.Entry("a")
	require.True(t, ok)
	assert.Equal(t, 10, entry.Value)
	assert.Equal(t, mock.Now(), entry.CreatedAt, "overwrite gets a new creation time")
	assert.Equal(t, int64(0), entry.AccessCount)
	assert.False(t, entry.HasTag("x"))

	_, ok = tier.Entry("b")
	assert.True(t, ok)
}

func TestMemoryTier_TagInvalidation(t *testing.T) {
	tier, mock := newTestMemoryTier(t, 10)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "x", 1, time.Minute, []string{"sym:AAPL"}))
	require.NoError(t, tier.Set(ctx, "y", 2, time.Minute, []string{"sym:MSFT"}))
	require.NoError(t, tier.Set(ctx, "z", 3, time.Second, []string{"sym:AAPL", "tf:1d"}))

	// Expired entries are still removed by tag
	mock.Add(time.Minute - time.Second)

	removed, err := tier.InvalidateByTag(ctx, "sym:AAPL")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok := tier.Entry("x")
	assert.False(t, ok)
	_, ok = tier.Entry("y")
	assert.True(t, ok)

	removed, _ = tier.InvalidateByTag(ctx, "sym:AAPL")
	assert.Equal(t, 0, removed)
}

func TestMemoryTier_ExistsDoesNotTouch(t *testing.T) {
	tier, mock := newTestMemoryTier(t, 2)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "a", 1, time.Minute, nil))
	require.NoError(t, tier.Set(ctx, "b", 2, time.Minute, nil))
	mock.Add(time.Second)

	exists, err := tier.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, exists)

	entry, _ := tier.Entry("a")
	assert.Equal(t, int64(0), entry.AccessCount)
	assert.Equal(t, entry.CreatedAt, entry.LastAccessedAt)

	// "a" was not refreshed by Exists, so it is still the eviction victim
	require.NoError(t, tier.Set(ctx, "c", 3, time.Minute, nil))
	_, ok := tier.Entry("a")
	assert.False(t, ok)
}

func TestMemoryTier_ExistsRemovesExpired(t *testing.T) {
	tier, mock := newTestMemoryTier(t, 2)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "a", 1, time.Second, nil))
	mock.Add(2 * time.Second)

	exists, err := tier.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, exists)

	_, ok := tier.Entry("a")
	assert.False(t, ok)
}

func TestMemoryTier_GetUpdatesAccessMetadata(t *testing.T) {
	tier, mock := newTestMemoryTier(t, 2)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "a", 1, time.Minute, nil))
	created := mock.Now()

	mock.Add(3 * time.Second)
	_, _, _ = tier.Get(ctx, "a")
	mock.Add(3 * time.Second)
	_, _, _ = tier.Get(ctx, "a")

	entry, ok := tier.Entry("a")
	require.True(t, ok)
	assert.Equal(t, int64(2), entry.AccessCount)
	assert.Equal(t, created, entry.CreatedAt)
	assert.Equal(t, created.Add(6*time.Second), entry.LastAccessedAt)
}

func TestMemoryTier_DeleteAndClear(t *testing.T) {
	tier, _ := newTestMemoryTier(t, 5)
	ctx := context.Background()

	n, err := tier.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "clearing an empty tier removes nothing")

	stats, _ := tier.Stats(ctx)
	assert.Equal(t, 0, stats.TotalItems)

	for i := 0; i < 3; i++ {
		require.NoError(t, tier.Set(ctx, fmt.Sprintf("k%d", i), i, time.Minute, nil))
	}

	deleted, err := tier.Delete(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, _ = tier.Delete(ctx, "k1")
	assert.False(t, deleted)

	n, _ = tier.Clear(ctx)
	assert.Equal(t, 2, n)

	n, _ = tier.Clear(ctx)
	assert.Equal(t, 0, n)
}

func TestMemoryTier_Stats(t *testing.T) {
	tier, mock := newTestMemoryTier(t, 4)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "short", 1, time.Second, nil))
	require.NoError(t, tier.Set(ctx, "long", 2, time.Hour, nil))
	_, _, _ = tier.Get(ctx, "long")
	_, _, _ = tier.Get(ctx, "long")
	_, _, _ = tier.Get(ctx, "short")

	mock.Add(time.Minute)

	stats, err := tier.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "memory", stats.Name)
	assert.Equal(t, 2, stats.TotalItems)
	assert.Equal(t, 1, stats.ExpiredItems)
	assert.Equal(t, 1, stats.ActiveItems)
	assert.Equal(t, int64(3), stats.TotalAccesses)
	assert.Equal(t, 4, stats.Capacity)
	assert.InDelta(t, 0.5, stats.Utilization, 1e-9)

	// Stats is read-only: the expired entry is still stored
	_, ok := tier.Entry("short")
	assert.True(t, ok)
}

func TestMemoryTier_CapacityUnderConcurrentWriters(t *testing.T) {
	tier, _ := newTestMemoryTier(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("w%d-k%d", w, i%25)
				_ = tier.Set(ctx, key, i, time.Minute, []string{fmt.Sprintf("w:%d", w)})
				_, _, _ = tier.Get(ctx, key)
				if i%10 == 0 {
					_, _ = tier.InvalidateByTag(ctx, fmt.Sprintf("w:%d", (w+1)%8))
				}
			}
		}(w)
	}
	wg.Wait()

	stats, err := tier.Stats(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.TotalItems, 10)
}

func TestMemoryTier_Name(t *testing.T) {
	tier, err := NewMemoryTier(1, WithName("l1"), WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	assert.Equal(t, "l1", tier.Name())
	assert.Equal(t, 1, tier.Capacity())
}
