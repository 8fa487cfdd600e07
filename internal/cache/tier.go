// Package cache implements the tiered market data cache: capacity-bounded tiers
// with per-entry TTL, tag invalidation and LRU eviction, composed by Manager into
// an L1/L2 read-through cache with promotion.
package cache

import (
	"context"
	"time"
)

// Tier is one layer of the cache. Implementations own their storage
// exclusively and must be safe for concurrent use.
//
// A miss is reported as found == false with a nil error. Errors mean the
// backing store could not be consulted.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (value interface{}, found bool, err error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration, tags []string) error
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) (int, error)
	Exists(ctx context.Context, key string) (bool, error)
	Stats(ctx context.Context) (TierStats, error)
}

// TagInvalidator is implemented by tiers that can drop every entry carrying a tag
type TagInvalidator interface {
	InvalidateByTag(ctx context.Context, tag string) (int, error)
}

// TierStats is a diagnostic snapshot of a tier. Collecting it never evicts.
type TierStats struct {
	Name          string  `json:"name"`
	TotalItems    int     `json:"total_items"`
	ExpiredItems  int     `json:"expired_items"`
	ActiveItems   int     `json:"active_items"`
	TotalAccesses int64   `json:"total_accesses"`
	Evictions     int64   `json:"evictions"`
	Capacity      int     `json:"capacity"`
	Utilization   float64 `json:"utilization"`
	Error         string  `json:"error,omitempty"`
}

func utilization(items, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(items) / float64(capacity)
}
