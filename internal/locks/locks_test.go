package locks

import (
	"context"
	"testing"
	"time"

	"market-cache/internal/common/errors"
	"market-cache/internal/common/logging"

	"github.com/alicebob/miniredis/v2"
	goredislib "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedsyncLocker, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := goredislib.NewClient(&goredislib.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	locker, err := NewRedsyncLocker(rdb, "mc:", logging.NewNopLogger())
	require.NoError(t, err)
	return locker, s
}

func TestNewRedsyncLocker_RequiresClient(t *testing.T) {
	_, err := NewRedsyncLocker(nil, "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestTryLock(t *testing.T) {
	locker, s := newTestLocker(t)
	ctx := context.Background()

	t.Run("acquire and release", func(t *testing.T) {
		lock, err := locker.TryLock(ctx, "warmer:1d", 10*time.Second)
		require.NoError(t, err)

		assert.Equal(t, "warmer:1d", lock.Key())
		assert.True(t, lock.IsHeld())
		assert.True(t, s.Exists("mc:lock:warmer:1d"))

		require.NoError(t, lock.Release(ctx))
		assert.False(t, lock.IsHeld())
		assert.False(t, s.Exists("mc:lock:warmer:1d"))

		// second release is a no-op
		assert.NoError(t, lock.Release(ctx))
	})

	t.Run("contention", func(t *testing.T) {
		first, err := locker.TryLock(ctx, "contended", 10*time.Second)
		require.NoError(t, err)
		defer first.Release(ctx)

		second, err := locker.TryLock(ctx, "contended", 10*time.Second)
		assert.ErrorIs(t, err, ErrNotAcquired)
		assert.Nil(t, second)
	})

	t.Run("free again after release", func(t *testing.T) {
		first, err := locker.TryLock(ctx, "reuse", 10*time.Second)
		require.NoError(t, err)
		require.NoError(t, first.Release(ctx))

		second, err := locker.TryLock(ctx, "reuse", 10*time.Second)
		require.NoError(t, err)
		assert.NoError(t, second.Release(ctx))
	})

	t.Run("rejects non-positive ttl", func(t *testing.T) {
		_, err := locker.TryLock(ctx, "bad", 0)
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	})
}

func TestTryLock_RedisDown(t *testing.T) {
	locker, s := newTestLocker(t)
	s.Close()

	_, err := locker.TryLock(context.Background(), "down", time.Second)
	assert.Error(t, err)
}
