package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"market-cache/internal/common/errors"
	"market-cache/internal/common/logging"

	"github.com/benbjohnson/clock"
	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// ClientLimiter counts requests per client key
type ClientLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RedisWindowLimiter allows limit requests per fixed window, shared by every
// instance using the same Redis
type RedisWindowLimiter struct {
	rdb    redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	clock  clock.Clock
}

// NewRedisWindowLimiter creates a limiter storing counters under prefix + "ratelimit:"
func NewRedisWindowLimiter(rdb redis.UniversalClient, prefix string, limit int, window time.Duration) (*RedisWindowLimiter, error) {
	if rdb == nil {
		return nil, errors.ConfigError("redis client is required")
	}
	if limit < 1 || window <= 0 {
		return nil, errors.ConfigError("rate limit and window must be positive")
	}
	return &RedisWindowLimiter{rdb: rdb, prefix: prefix, limit: limit, window: window, clock: clock.New()}, nil
}

// Allow increments the counter for the current window
func (l *RedisWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.clock.Now()
	start := now.Truncate(l.window)
	counterKey := fmt.Sprintf("%sratelimit:%s:%d", l.prefix, key, start.Unix())

	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, counterKey)
		pipe.PExpire(ctx, counterKey, l.window)
		return nil
	})
	if err != nil {
		return Decision{}, errors.UnavailableError("redis rate limiter", err)
	}

	count := int(incr.Val())
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     start.Add(l.window),
	}, nil
}

// LocalClientLimiter keeps a token bucket per client in process. The least
// recently seen clients are forgotten once maxClients is reached.
type LocalClientLimiter struct {
	buckets *lru.Cache[string, *rate.Limiter]
	limit   int
	window  time.Duration
}

// NewLocalClientLimiter allows bursts of limit and refills limit tokens per window
func NewLocalClientLimiter(limit int, window time.Duration, maxClients int) (*LocalClientLimiter, error) {
	if limit < 1 || window <= 0 {
		return nil, errors.ConfigError("rate limit and window must be positive")
	}
	buckets, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid client capacity: %v", err))
	}
	return &LocalClientLimiter{buckets: buckets, limit: limit, window: window}, nil
}

// Allow takes a token from key's bucket
func (l *LocalClientLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	bucket, ok := l.buckets.Get(key)
	if !ok {
		bucket = rate.NewLimiter(rate.Every(l.window/time.Duration(l.limit)), l.limit)
		l.buckets.Add(key, bucket)
	}

	now := time.Now()
	allowed := bucket.AllowN(now, 1)
	remaining := int(bucket.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     now.Add(l.window / time.Duration(l.limit)),
	}, nil
}

// ClientIP keys requests by the first X-Forwarded-For address, then X-Real-IP,
// then the connection's remote host
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return "ip:" + strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return "ip:" + realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimit rejects requests over the client's limit with 429. Requests with an
// empty key, or arriving while the limiter is failing, are let through.
func RateLimit(limiter ClientLimiter, keyFunc func(*http.Request) string, logger logging.Logger) func(http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.WithContext(r.Context()).Warn("Rate limit check failed", logging.String("client", key), logging.Err(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))

			if !decision.Allowed {
				retryAfter := int(time.Until(decision.Reset).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   http.StatusText(http.StatusTooManyRequests),
					"type":    string(errors.ErrTypeRateLimit),
					"message": "rate limit exceeded",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
