// Package locks provides short-lived distributed locks on Redis using the
// Redlock implementation from go-redsync. Instances sharing an L2 use them to
// agree on which one performs a scheduled job.
package locks

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"market-cache/internal/common/errors"
	"market-cache/internal/common/logging"

	goredislib "github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

// ErrNotAcquired is returned by TryLock when another holder has the lock
var ErrNotAcquired = stderrors.New("lock held by another instance")

const minRenewInterval = time.Second

// Lock is a held distributed lock
type Lock interface {
	Key() string
	// Release stops renewal and deletes the lock. Safe to call more than once.
	Release(ctx context.Context) error
	// IsHeld reports local state only; it does not query Redis.
	IsHeld() bool
}

// Locker acquires locks without waiting
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// RedsyncLocker implements Locker on a single Redis node
type RedsyncLocker struct {
	rdb     goredislib.UniversalClient
	redsync *redsync.Redsync
	prefix  string
	logger  logging.Logger
}

// NewRedsyncLocker creates a locker. Lock keys are stored as prefix + "lock:" + key.
func NewRedsyncLocker(rdb goredislib.UniversalClient, prefix string, logger logging.Logger) (*RedsyncLocker, error) {
	if rdb == nil {
		return nil, errors.ConfigError("redis client is required")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &RedsyncLocker{
		rdb:     rdb,
		redsync: redsync.New(goredis.NewPool(rdb)),
		prefix:  prefix,
		logger:  logger.WithFields(logging.String("component", "locks")),
	}, nil
}

// TryLock makes one attempt to take key for ttl. The lock is renewed every
// ttl/3 until released; if a renewal fails the lock is dropped locally.
func (l *RedsyncLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if ttl <= 0 {
		return nil, errors.ValidationError("lock ttl must be positive")
	}

	name := l.prefix + "lock:" + key
	mutex := l.redsync.NewMutex(name, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := mutex.TryLockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, errors.CancelledError(key, ctx.Err())
		}
		// A held lock and an unreachable Redis both fail the attempt
		held, existsErr := l.rdb.Exists(ctx, name).Result()
		if existsErr == nil && held > 0 {
			return nil, ErrNotAcquired
		}
		return nil, errors.UnavailableError("redis lock", err)
	}

	lockCtx, cancel := context.WithCancel(context.Background())
	lock := &redsyncLock{
		mutex:  mutex,
		key:    key,
		ttl:    ttl,
		ctx:    lockCtx,
		cancel: cancel,
		logger: l.logger,
	}
	go lock.renew()

	l.logger.Debug("Lock acquired", logging.String("key", key), logging.Duration("ttl", ttl))
	return lock, nil
}

type redsyncLock struct {
	mutex  *redsync.Mutex
	key    string
	ttl    time.Duration
	ctx    context.Context
	cancel context.CancelFunc
	logger logging.Logger

	once sync.Once
	err  error
}

func (rl *redsyncLock) Key() string {
	return rl.key
}

func (rl *redsyncLock) renew() {
	interval := rl.ttl / 3
	if interval < minRenewInterval {
		interval = minRenewInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := rl.mutex.ExtendContext(ctx)
			cancel()

			if err != nil || !ok {
				rl.logger.Warn("Lock lost during renewal", logging.String("key", rl.key), logging.Err(err))
				rl.cancel()
				return
			}
		}
	}
}

func (rl *redsyncLock) Release(ctx context.Context) error {
	rl.once.Do(func() {
		rl.cancel()
		if _, err := rl.mutex.UnlockContext(ctx); err != nil {
			rl.err = errors.UnavailableError("redis lock", err)
		}
	})
	return rl.err
}

func (rl *redsyncLock) IsHeld() bool {
	select {
	case <-rl.ctx.Done():
		return false
	default:
		return true
	}
}
