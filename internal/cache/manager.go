package cache

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"market-cache/internal/common/errors"
	"market-cache/internal/common/logging"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL applies when neither the caller nor the configuration supplies one
const DefaultTTL = 5 * time.Minute

const healthCheckPrefix = "__health_check__:"

// Loader produces the value for a key on a full cache miss
type Loader func(ctx context.Context) (interface{}, error)

// Requests summarises lookups served by the manager
type Requests struct {
	Total     int64   `json:"total"`
	HitsL1    int64   `json:"hits_l1"`
	HitsL2    int64   `json:"hits_l2"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	L1HitRate float64 `json:"l1_hit_rate"`
	L2HitRate float64 `json:"l2_hit_rate"`
}

// Statistics is the manager-wide view returned by Statistics
type Statistics struct {
	Requests Requests   `json:"requests"`
	L1       TierStats  `json:"l1"`
	L2       *TierStats `json:"l2,omitempty"`
}

// HealthReport holds the round-trip result per tier. L2 is nil when no L2 is configured.
type HealthReport struct {
	L1 bool  `json:"l1"`
	L2 *bool `json:"l2"`
}

// Healthy reports whether every configured tier passed
func (h HealthReport) Healthy() bool {
	return h.L1 && (h.L2 == nil || *h.L2)
}

// Manager composes a fast L1 tier with an optional larger L2 tier.
//
// Reads go L1 then L2, copying L2 hits into L1. Writes and invalidations go to
// both tiers; a failure in one tier is logged and reflected in the result but
// never stops the other tier from being updated. Manager is safe for
// concurrent use.
type Manager struct {
	l1         Tier
	l2         Tier
	defaultTTL time.Duration
	clock      clock.Clock
	logger     logging.Logger

	hitsL1 atomic.Int64
	hitsL2 atomic.Int64
	misses atomic.Int64

	loads singleflight.Group
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithL2 adds a second tier
func WithL2(tier Tier) ManagerOption {
	return func(m *Manager) {
		m.l2 = tier
	}
}

// WithDefaultTTL sets the TTL used for writes without one and for promoted entries
func WithDefaultTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// WithManagerLogger sets the manager logger
func WithManagerLogger(logger logging.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerClock sets the clock used to name health check sentinels
func WithManagerClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// NewManager creates a manager that owns l1 and any L2 passed through WithL2
func NewManager(l1 Tier, opts ...ManagerOption) (*Manager, error) {
	if l1 == nil {
		return nil, errors.ValidationError("an L1 tier is required")
	}

	m := &Manager{
		l1:         l1,
		defaultTTL: DefaultTTL,
		clock:      clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = logging.GetGlobalLogger()
	}
	m.logger = m.logger.WithFields(logging.Field{Key: "component", Value: "cache_manager"})

	return m, nil
}

// DefaultTTL returns the TTL applied to writes without one
func (m *Manager) DefaultTTL() time.Duration {
	return m.defaultTTL
}

// HasL2 reports whether a second tier is configured
func (m *Manager) HasL2() bool {
	return m.l2 != nil
}

// Get looks key up in L1, then L2. An L2 hit is copied into L1 with the
// default TTL and without tags, so tag invalidation only reaches that copy
// after it is rewritten through Set. A tier that fails to answer counts as a miss.
func (m *Manager) Get(ctx context.Context, key string) (interface{}, bool) {
	value, ok, err := m.l1.Get(ctx, key)
	if err != nil {
		m.logger.Warn("L1 read failed", logging.Field{Key: "key", Value: key}, logging.Field{Key: "error", Value: err.Error()})
	}
	if ok {
		m.hitsL1.Add(1)
		return value, true
	}

	if m.l2 != nil {
		value, ok, err = m.l2.Get(ctx, key)
		if err != nil {
			m.logger.Warn("L2 read failed", logging.Field{Key: "key", Value: key}, logging.Field{Key: "error", Value: err.Error()})
		}
		if ok {
			m.hitsL2.Add(1)
			if err := m.l1.Set(ctx, key, cloneValue(value), m.defaultTTL, nil); err != nil {
				m.logger.Warn("Failed to promote entry to L1", logging.Field{Key: "key", Value: key}, logging.Field{Key: "error", Value: err.Error()})
			} else {
				m.logger.Debug("Promoted entry to L1", logging.Field{Key: "key", Value: key})
			}
			return value, true
		}
	}

	m.misses.Add(1)
	return nil, false
}

// Set writes value to L1 and, when configured, L2 with the same ttl and tags.
// A zero ttl means the default TTL; a negative one stores an entry that is
// already expired. It returns true only if every tier accepted the write.
// L2 gets its own copy of JSON-shaped values (maps, slices); values of any
// other reference type are shared between tiers and must not be mutated.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, tags ...string) bool {
	if ttl == 0 {
		ttl = m.defaultTTL
	}

	ok := true
	if err := m.l1.Set(ctx, key, value, ttl, tags); err != nil {
		m.logger.Error("L1 write failed", err, logging.Field{Key: "key", Value: key})
		ok = false
	}

	if m.l2 != nil {
		if err := m.l2.Set(ctx, key, cloneValue(value), ttl, tags); err != nil {
			m.logger.Error("L2 write failed", err, logging.Field{Key: "key", Value: key})
			ok = false
		}
	}

	return ok
}

// Delete removes key from every tier and reports whether any tier had it
func (m *Manager) Delete(ctx context.Context, key string) bool {
	deleted, err := m.l1.Delete(ctx, key)
	if err != nil {
		m.logger.Error("L1 delete failed", err, logging.Field{Key: "key", Value: key})
	}

	if m.l2 != nil {
		ok, err := m.l2.Delete(ctx, key)
		if err != nil {
			m.logger.Error("L2 delete failed", err, logging.Field{Key: "key", Value: key})
		}
		deleted = deleted || ok
	}

	return deleted
}

// Clear empties every tier and returns the total number of entries removed
func (m *Manager) Clear(ctx context.Context) int {
	total := 0
	for _, tier := range m.tiers() {
		n, err := tier.Clear(ctx)
		if err != nil {
			m.logger.Error("Clear failed", err, logging.Field{Key: "tier", Value: tier.Name()})
		}
		total += n
	}

	m.logger.Info("Cache cleared", logging.Field{Key: "removed", Value: total})
	return total
}

// InvalidateByTag removes entries carrying tag from every tier that supports
// tag invalidation and returns the total removed
func (m *Manager) InvalidateByTag(ctx context.Context, tag string) int {
	total := 0
	for _, tier := range m.tiers() {
		invalidator, ok := tier.(TagInvalidator)
		if !ok {
			continue
		}

		n, err := invalidator.InvalidateByTag(ctx, tag)
		if err != nil {
			m.logger.Error("Tag invalidation failed", err,
				logging.Field{Key: "tier", Value: tier.Name()},
				logging.Field{Key: "tag", Value: tag},
			)
		}
		total += n
	}

	m.logger.Debug("Invalidated tag", logging.Field{Key: "tag", Value: tag}, logging.Field{Key: "removed", Value: total})
	return total
}

// GetOrLoad returns the cached value for key, calling load on a full miss and
// writing its result through Set. Concurrent misses on the same key share one
// load. Errors from load are returned unchanged and nothing is cached.
func (m *Manager) GetOrLoad(ctx context.Context, key string, ttl time.Duration, tags []string, load Loader) (interface{}, error) {
	if value, ok := m.Get(ctx, key); ok {
		return value, nil
	}

	value, err, shared := m.loads.Do(key, func() (interface{}, error) {
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		m.Set(ctx, key, value, ttl, tags...)
		return value, nil
	})
	if shared {
		m.logger.Debug("Shared in-flight load", logging.Field{Key: "key", Value: key})
	}

	return value, err
}

// Statistics returns request counters and per-tier stats. Rates are zero
// until the first request.
func (m *Manager) Statistics(ctx context.Context) Statistics {
	hitsL1 := m.hitsL1.Load()
	hitsL2 := m.hitsL2.Load()
	misses := m.misses.Load()
	total := hitsL1 + hitsL2 + misses

	stats := Statistics{
		Requests: Requests{
			Total:     total,
			HitsL1:    hitsL1,
			HitsL2:    hitsL2,
			Misses:    misses,
			HitRate:   rate(hitsL1+hitsL2, total),
			L1HitRate: rate(hitsL1, total),
			L2HitRate: rate(hitsL2, total),
		},
		L1: m.tierStats(ctx, m.l1),
	}

	if m.l2 != nil {
		l2 := m.tierStats(ctx, m.l2)
		stats.L2 = &l2
	}

	return stats
}

func (m *Manager) tierStats(ctx context.Context, tier Tier) TierStats {
	stats, err := tier.Stats(ctx)
	if err != nil {
		m.logger.Warn("Tier stats unavailable", logging.Field{Key: "tier", Value: tier.Name()}, logging.Field{Key: "error", Value: err.Error()})
		stats.Name = tier.Name()
		stats.Error = err.Error()
	}
	return stats
}

func rate(count, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(count) / float64(total)
}

// ResetStats zeroes the request counters
func (m *Manager) ResetStats() {
	m.hitsL1.Store(0)
	m.hitsL2.Store(0)
	m.misses.Store(0)
}

// HealthCheck writes a sentinel key to each tier, reads it back and deletes
// it. A tier is healthy when the value read back matches exactly.
func (m *Manager) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{L1: m.roundTrip(ctx, m.l1)}

	if m.l2 != nil {
		ok := m.roundTrip(ctx, m.l2)
		report.L2 = &ok
	}

	return report
}

func (m *Manager) roundTrip(ctx context.Context, tier Tier) bool {
	now := m.clock.Now().UnixNano()
	key := fmt.Sprintf("%s%d", healthCheckPrefix, now)
	want := fmt.Sprintf("ok:%d", now)

	defer func() {
		if _, err := tier.Delete(ctx, key); err != nil {
			m.logger.Warn("Failed to remove health check sentinel", logging.Field{Key: "tier", Value: tier.Name()})
		}
	}()

	if err := tier.Set(ctx, key, want, time.Minute, nil); err != nil {
		m.logger.Error("Health check write failed", err, logging.Field{Key: "tier", Value: tier.Name()})
		return false
	}

	got, ok, err := tier.Get(ctx, key)
	if err != nil {
		m.logger.Error("Health check read failed", err, logging.Field{Key: "tier", Value: tier.Name()})
		return false
	}

	healthy := ok && got == want
	if !healthy {
		m.logger.Warn("Health check value mismatch", logging.Field{Key: "tier", Value: tier.Name()})
	}
	return healthy
}

// Close releases tiers that hold resources
func (m *Manager) Close() error {
	var err error
	for _, tier := range m.tiers() {
		if closer, ok := tier.(io.Closer); ok {
			err = multierr.Append(err, closer.Close())
		}
	}
	return err
}

func (m *Manager) tiers() []Tier {
	if m.l2 == nil {
		return []Tier{m.l1}
	}
	return []Tier{m.l1, m.l2}
}

// cloneValue deep-copies the map and slice shapes produced by JSON decoding
func cloneValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = cloneValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = item
		}
		return out
	case []string:
		return append([]string(nil), v...)
	default:
		return value
	}
}
