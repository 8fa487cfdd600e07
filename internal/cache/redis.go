package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"market-cache/internal/circuitbreaker"
	"market-cache/internal/common/errors"
	"market-cache/internal/common/logging"

	"github.com/benbjohnson/clock"
	"github.com/go-redis/redis/v8"
)

// DefaultKeyPrefix namespaces the Redis tier keys
const DefaultKeyPrefix = "market-cache:"

// expirySlack is added to the TTL handed to Redis. Expiry is decided by the
// tier clock; the Redis TTL only reclaims entries nobody reads again.
const expirySlack = time.Minute

// Hash fields of a stored entry
const (
	fieldValue      = "v"
	fieldCreated    = "c"
	fieldTTL        = "t"
	fieldAccesses   = "a"
	fieldLastAccess = "l"
	fieldTags       = "g"
)

// RedisTier stores entries in Redis so they survive process restarts and can
// be larger than the in-process L1.
//
// Layout under the key prefix:
//
//	e:{key}  hash holding the JSON value and entry metadata
//	lru      sorted set of keys scored by a recency sequence
//	seq      counter feeding the recency scores
//	t:{tag}  set of keys carrying the tag
//
// Values go through encoding/json, so a read returns the decoded JSON form
// (maps, slices, json.Number, string) rather than the original Go type.
// Writers racing on the same tier may briefly exceed capacity; every Set trims
// back to it after inserting.
type RedisTier struct {
	rdb       redis.UniversalClient
	name      string
	prefix    string
	capacity  int
	clock     clock.Clock
	logger    logging.Logger
	breaker   *circuitbreaker.GoBreakerAdapter
	evictions atomic.Int64
}

// NewRedisTier creates a tier holding at most capacity entries in rdb
func NewRedisTier(rdb redis.UniversalClient, capacity int, opts ...Option) (*RedisTier, error) {
	if rdb == nil {
		return nil, errors.ValidationError("redis client is required")
	}
	if capacity < 1 {
		return nil, errors.ValidationError("cache capacity must be at least 1").
			WithContext("capacity", capacity)
	}

	o := applyOptions("redis", opts)

	return &RedisTier{
		rdb:      rdb,
		name:     o.name,
		prefix:   o.keyPrefix,
		capacity: capacity,
		clock:    o.clock,
		logger:   o.logger,
		breaker:  o.breaker,
	}, nil
}

// Name returns the tier name
func (t *RedisTier) Name() string {
	return t.name
}

func (t *RedisTier) entryKey(key string) string { return t.prefix + "e:" + key }
func (t *RedisTier) tagKey(tag string) string   { return t.prefix + "t:" + tag }
func (t *RedisTier) lruKey() string             { return t.prefix + "lru" }
func (t *RedisTier) seqKey() string             { return t.prefix + "seq" }

// do runs fn through the breaker and maps failures to unavailable errors
func (t *RedisTier) do(ctx context.Context, op string, fn func() error) error {
	var err error
	if t.breaker != nil {
		err = t.breaker.Execute(ctx, fn)
	} else {
		err = fn()
	}

	if err == nil {
		return nil
	}
	if errors.IsType(err, errors.ErrTypeUnavailable) {
		return err
	}
	return errors.UnavailableError("redis tier", err).WithContext("op", op)
}

// Get returns the value stored at key. An expired entry is removed and reported as a miss.
func (t *RedisTier) Get(ctx context.Context, key string) (interface{}, bool, error) {
	var (
		value interface{}
		found bool
	)

	err := t.do(ctx, "get", func() error {
		fields, err := t.rdb.HGetAll(ctx, t.entryKey(key)).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			// Redis reclaimed the hash; drop the dangling recency member
			return t.rdb.ZRem(ctx, t.lruKey(), key).Err()
		}

		entry, err := decodeEntry(fields)
		if err != nil {
			t.logger.Warn("Dropping unreadable cache entry",
				logging.Field{Key: "key", Value: key},
				logging.Field{Key: "error", Value: err.Error()},
			)
			_, err = t.removeEntry(ctx, key)
			return err
		}

		now := t.clock.Now()
		if entry.IsExpired(now) {
			_, err = t.removeEntry(ctx, key)
			return err
		}

		touched, err := t.touch(ctx, key, now)
		if err != nil {
			return err
		}
		if !touched {
			// Deleted or evicted since the read
			return nil
		}

		value, found = entry.Value, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return value, found, nil
}

// Set stores value at key, replacing any existing entry. When the key is new
// and the tier is full, the least recently accessed entry is evicted first.
// The value must be JSON encodable.
func (t *RedisTier) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, tags []string) error {
	payload, err := json.Marshal(value)
	if err != nil {
		appErr := errors.ValidationError("cache value is not JSON encodable").WithContext("key", key)
		appErr.Cause = err
		return appErr
	}

	entry := NewEntry(value, t.clock.Now(), ttl, tags)
	tagList := entry.TagList()
	tagPayload, err := json.Marshal(tagList)
	if err != nil {
		return errors.InternalError("failed to encode tags", err)
	}

	return t.do(ctx, "set", func() error {
		oldTags, existed, err := t.entryTags(ctx, key)
		if err != nil {
			return err
		}

		if !existed {
			if err := t.evictDownTo(ctx, t.capacity-1, key); err != nil {
				return err
			}
		}

		seq, err := t.rdb.Incr(ctx, t.seqKey()).Result()
		if err != nil {
			return err
		}

		ek := t.entryKey(key)
		_, err = t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, tag := range oldTags {
				pipe.SRem(ctx, t.tagKey(tag), key)
			}
			pipe.Del(ctx, ek)
			pipe.HSet(ctx, ek, map[string]interface{}{
				fieldValue:      string(payload),
				fieldCreated:    entry.CreatedAt.UnixNano(),
				fieldTTL:        int64(entry.TTL),
				fieldAccesses:   0,
				fieldLastAccess: entry.LastAccessedAt.UnixNano(),
				fieldTags:       string(tagPayload),
			})
			pipe.PExpire(ctx, ek, redisExpiry(ttl))
			pipe.ZAdd(ctx, t.lruKey(), &redis.Z{Score: float64(seq), Member: key})
			for _, tag := range tagList {
				pipe.SAdd(ctx, t.tagKey(tag), key)
			}
			return nil
		})
		if err != nil {
			return err
		}

		return t.evictDownTo(ctx, t.capacity, key)
	})
}

// touchScript records an access only while the entry hash still exists, so a
// concurrent delete or eviction never leaves a partial hash behind.
// KEYS: entry, lru, seq. ARGV: key, last access nanos.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local seq = redis.call('INCR', KEYS[3])
redis.call('HINCRBY', KEYS[1], '` + fieldAccesses + `', 1)
redis.call('HSET', KEYS[1], '` + fieldLastAccess + `', ARGV[2])
redis.call('ZADD', KEYS[2], 'XX', seq, ARGV[1])
return 1
`)

// touch bumps the access count and recency of key and reports whether the
// entry was still there
func (t *RedisTier) touch(ctx context.Context, key string, now time.Time) (bool, error) {
	n, err := touchScript.Run(ctx, t.rdb,
		[]string{t.entryKey(key), t.lruKey(), t.seqKey()},
		key, now.UnixNano(),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func redisExpiry(ttl time.Duration) time.Duration {
	if ttl < 0 {
		ttl = 0
	}
	return ttl + expirySlack
}

// evictDownTo removes least recently used entries until at most limit remain.
// keep is never chosen as a victim.
func (t *RedisTier) evictDownTo(ctx context.Context, limit int, keep string) error {
	for {
		count, err := t.rdb.ZCard(ctx, t.lruKey()).Result()
		if err != nil {
			return err
		}
		if count <= int64(limit) {
			return nil
		}

		oldest, err := t.rdb.ZRange(ctx, t.lruKey(), 0, 1).Result()
		if err != nil {
			return err
		}
		if len(oldest) == 0 {
			return nil
		}

		victim := oldest[0]
		if victim == keep {
			if len(oldest) < 2 {
				return nil
			}
			victim = oldest[1]
		}

		if _, err := t.removeEntry(ctx, victim); err != nil {
			return err
		}
		t.evictions.Add(1)

		t.logger.Debug("Evicted least recently used entry", logging.Field{Key: "key", Value: victim})
	}
}

// entryTags returns the tags of the stored entry and whether it exists
func (t *RedisTier) entryTags(ctx context.Context, key string) ([]string, bool, error) {
	raw, err := t.rdb.HGet(ctx, t.entryKey(key), fieldTags).Result()
	if stderrors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var tags []string
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			// The entry is still removed; only its tag memberships leak
			t.logger.Warn("Unreadable tag list on cache entry", logging.Field{Key: "key", Value: key})
		}
	}
	return tags, true, nil
}

// removeEntry deletes key with its recency and tag memberships
func (t *RedisTier) removeEntry(ctx context.Context, key string) (bool, error) {
	tags, _, err := t.entryTags(ctx, key)
	if err != nil {
		return false, err
	}

	var del *redis.IntCmd
	_, err = t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, t.entryKey(key))
		pipe.ZRem(ctx, t.lruKey(), key)
		for _, tag := range tags {
			pipe.SRem(ctx, t.tagKey(tag), key)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	return del.Val() > 0, nil
}

// Delete removes key and reports whether it was present
func (t *RedisTier) Delete(ctx context.Context, key string) (bool, error) {
	var removed bool
	err := t.do(ctx, "delete", func() error {
		var err error
		removed, err = t.removeEntry(ctx, key)
		return err
	})
	return removed, err
}

// Clear removes the tier's entries, tag sets and recency bookkeeping and
// returns how many entries there were. Other keys sharing the prefix are left alone.
func (t *RedisTier) Clear(ctx context.Context) (int, error) {
	count := 0
	err := t.do(ctx, "clear", func() error {
		n, err := t.deleteMatching(ctx, t.entryKey("*"))
		if err != nil {
			return err
		}
		count = n

		if _, err := t.deleteMatching(ctx, t.tagKey("*")); err != nil {
			return err
		}
		return t.rdb.Del(ctx, t.lruKey(), t.seqKey()).Err()
	})
	return count, err
}

// deleteMatching scans for pattern, deletes what it finds and returns how many keys matched
func (t *RedisTier) deleteMatching(ctx context.Context, pattern string) (int, error) {
	total := 0
	var cursor uint64
	for {
		keys, next, err := t.rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return total, err
		}

		if len(keys) > 0 {
			if err := t.rdb.Del(ctx, keys...).Err(); err != nil {
				return total, err
			}
			total += len(keys)
		}

		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// Exists reports whether a live entry is stored at key. It removes an expired
// entry but leaves access metadata and recency untouched.
func (t *RedisTier) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := t.do(ctx, "exists", func() error {
		vals, err := t.rdb.HMGet(ctx, t.entryKey(key), fieldCreated, fieldTTL).Result()
		if err != nil {
			return err
		}

		created, ttl, ok := parseExpiry(vals)
		if !ok {
			return nil
		}

		candidate := Entry{CreatedAt: created, TTL: ttl}
		if candidate.IsExpired(t.clock.Now()) {
			_, err := t.removeEntry(ctx, key)
			return err
		}

		exists = true
		return nil
	})
	return exists, err
}

// InvalidateByTag removes every entry carrying tag, expired or not
func (t *RedisTier) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	removed := 0
	err := t.do(ctx, "invalidate_tag", func() error {
		keys, err := t.rdb.SMembers(ctx, t.tagKey(tag)).Result()
		if err != nil {
			return err
		}

		for _, key := range keys {
			ok, err := t.removeEntry(ctx, key)
			if err != nil {
				return err
			}
			if ok {
				removed++
			}
		}

		return t.rdb.Del(ctx, t.tagKey(tag)).Err()
	})
	return removed, err
}

// Stats scans the tier without evicting anything
func (t *RedisTier) Stats(ctx context.Context) (TierStats, error) {
	stats := TierStats{
		Name:      t.name,
		Capacity:  t.capacity,
		Evictions: t.evictions.Load(),
	}

	err := t.do(ctx, "stats", func() error {
		keys, err := t.rdb.ZRange(ctx, t.lruKey(), 0, -1).Result()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}

		cmds := make([]*redis.SliceCmd, len(keys))
		_, err = t.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range keys {
				cmds[i] = pipe.HMGet(ctx, t.entryKey(key), fieldCreated, fieldTTL, fieldAccesses)
			}
			return nil
		})
		if err != nil {
			return err
		}

		now := t.clock.Now()
		for _, cmd := range cmds {
			vals := cmd.Val()
			created, ttl, ok := parseExpiry(vals)
			if !ok {
				continue
			}

			stats.TotalItems++
			candidate := Entry{CreatedAt: created, TTL: ttl}
			if candidate.IsExpired(now) {
				stats.ExpiredItems++
			}
			if len(vals) > 2 {
				stats.TotalAccesses += parseInt(vals[2])
			}
		}
		return nil
	})
	if err != nil {
		stats.Error = err.Error()
		return stats, err
	}

	stats.ActiveItems = stats.TotalItems - stats.ExpiredItems
	stats.Utilization = utilization(stats.TotalItems, t.capacity)
	return stats, nil
}

func decodeEntry(fields map[string]string) (*Entry, error) {
	raw, ok := fields[fieldValue]
	if !ok {
		return nil, errors.InternalError("cache entry has no value", nil)
	}

	created, err := strconv.ParseInt(fields[fieldCreated], 10, 64)
	if err != nil {
		return nil, errors.InternalError("cache entry has no creation time", err)
	}
	ttl, err := strconv.ParseInt(fields[fieldTTL], 10, 64)
	if err != nil {
		return nil, errors.InternalError("cache entry has no ttl", err)
	}

	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()

	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return nil, errors.InternalError("cache entry value is not valid JSON", err)
	}

	var tags []string
	if g := fields[fieldTags]; g != "" {
		_ = json.Unmarshal([]byte(g), &tags)
	}

	entry := NewEntry(value, time.Unix(0, created), time.Duration(ttl), tags)
	entry.AccessCount, _ = strconv.ParseInt(fields[fieldAccesses], 10, 64)
	if l, err := strconv.ParseInt(fields[fieldLastAccess], 10, 64); err == nil && l >= created {
		entry.LastAccessedAt = time.Unix(0, l)
	}

	return entry, nil
}

// parseExpiry reads the creation time and ttl from an HMGET reply
func parseExpiry(vals []interface{}) (time.Time, time.Duration, bool) {
	if len(vals) < 2 || vals[0] == nil || vals[1] == nil {
		return time.Time{}, 0, false
	}

	created, err := strconv.ParseInt(toString(vals[0]), 10, 64)
	if err != nil {
		return time.Time{}, 0, false
	}
	ttl, err := strconv.ParseInt(toString(vals[1]), 10, 64)
	if err != nil {
		return time.Time{}, 0, false
	}

	return time.Unix(0, created), time.Duration(ttl), true
}

func parseInt(v interface{}) int64 {
	n, _ := strconv.ParseInt(toString(v), 10, 64)
	return n
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

var (
	_ Tier           = (*RedisTier)(nil)
	_ TagInvalidator = (*RedisTier)(nil)
)
