package cache

import (
	"context"
	"sync"
	"time"

	"market-cache/internal/common/errors"
	"market-cache/internal/common/logging"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// MemoryTier is an in-process, capacity-bounded tier.
//
// Recency is kept by a simplelru list: writes and successful reads move a key
// to the front, so the oldest element is always the entry with the smallest
// LastAccessedAt, ties going to whichever was touched first. Exists and Stats
// peek without moving anything.
type MemoryTier struct {
	mu        sync.Mutex
	name      string
	capacity  int
	entries   *simplelru.LRU[string, *Entry]
	evictions int64
	clock     clock.Clock
	logger    logging.Logger
}

// NewMemoryTier creates a tier holding at most capacity entries
func NewMemoryTier(capacity int, opts ...Option) (*MemoryTier, error) {
	if capacity < 1 {
		return nil, errors.ValidationError("cache capacity must be at least 1").
			WithContext("capacity", capacity)
	}

	o := applyOptions("memory", opts)

	t := &MemoryTier{
		name:     o.name,
		capacity: capacity,
		clock:    o.clock,
		logger:   o.logger,
	}

	// Eviction is done explicitly before insert, so the list is given one
	// spare slot and never evicts on its own.
	entries, err := simplelru.NewLRU[string, *Entry](capacity+1, nil)
	if err != nil {
		return nil, errors.InternalError("failed to create LRU index", err)
	}
	t.entries = entries

	return t, nil
}

// Name returns the tier name
func (t *MemoryTier) Name() string {
	return t.name
}

// Capacity returns the maximum number of entries
func (t *MemoryTier) Capacity() int {
	return t.capacity
}

// Get returns the value stored at key. An expired entry is removed and reported as a miss.
func (t *MemoryTier) Get(_ context.Context, key string) (interface{}, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()

	entry, ok := t.entries.Peek(key)
	if !ok {
		return nil, false, nil
	}

	if entry.IsExpired(now) {
		t.entries.Remove(key)
		return nil, false, nil
	}

	t.entries.Get(key)
	entry.touch(now)

	return entry.Value, true, nil
}

// Set stores value at key, replacing any existing entry. When the key is new
// and the tier is full, the least recently accessed entry is evicted first.
func (t *MemoryTier) Set(_ context.Context, key string, value interface{}, ttl time.Duration, tags []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.entries.Contains(key) && t.entries.Len() >= t.capacity {
		t.evictOldest()
	}

	t.entries.Add(key, NewEntry(value, t.clock.Now(), ttl, tags))
	return nil
}

func (t *MemoryTier) evictOldest() {
	key, entry, ok := t.entries.RemoveOldest()
	if !ok {
		return
	}
	t.evictions++

	t.logger.Debug("Evicted least recently used entry",
		logging.Field{Key: "key", Value: key},
		logging.Field{Key: "last_accessed_at", Value: entry.LastAccessedAt},
		logging.Field{Key: "access_count", Value: entry.AccessCount},
	)
}

// Delete removes key and reports whether it was present
func (t *MemoryTier) Delete(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.entries.Remove(key), nil
}

// Clear removes every entry and returns how many there were
func (t *MemoryTier) Clear(_ context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := t.entries.Len()
	t.entries.Purge()
	return count, nil
}

// Exists reports whether a live entry is stored at key. It removes an expired
// entry but leaves access metadata and recency untouched.
func (t *MemoryTier) Exists(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries.Peek(key)
	if !ok {
		return false, nil
	}

	if entry.IsExpired(t.clock.Now()) {
		t.entries.Remove(key)
		return false, nil
	}

	return true, nil
}

// InvalidateByTag removes every entry carrying tag, expired or not
func (t *MemoryTier) InvalidateByTag(_ context.Context, tag string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, key := range t.entries.Keys() {
		entry, ok := t.entries.Peek(key)
		if ok && entry.HasTag(tag) {
			t.entries.Remove(key)
			removed++
		}
	}

	return removed, nil
}

// Stats scans the tier without evicting anything
func (t *MemoryTier) Stats(_ context.Context) (TierStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	stats := TierStats{
		Name:       t.name,
		TotalItems: t.entries.Len(),
		Capacity:   t.capacity,
		Evictions:  t.evictions,
	}

	for _, key := range t.entries.Keys() {
		entry, ok := t.entries.Peek(key)
		if !ok {
			continue
		}
		if entry.IsExpired(now) {
			stats.ExpiredItems++
		}
		stats.TotalAccesses += entry.AccessCount
	}

	stats.ActiveItems = stats.TotalItems - stats.ExpiredItems
	stats.Utilization = utilization(stats.TotalItems, t.capacity)

	return stats, nil
}

// Entry returns a copy of the entry stored at key without touching it
func (t *MemoryTier) Entry(key string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries.Peek(key)
	if !ok {
		return Entry{}, false
	}

	cp := *entry
	cp.Tags = make(map[string]struct{}, len(entry.Tags))
	for tag := range entry.Tags {
		cp.Tags[tag] = struct{}{}
	}
	return cp, true
}

var (
	_ Tier           = (*MemoryTier)(nil)
	_ TagInvalidator = (*MemoryTier)(nil)
)
