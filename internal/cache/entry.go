package cache

import (
	"sort"
	"time"
)

// Entry is a single cached value and its bookkeeping.
//
// CreatedAt is fixed when the entry is written. AccessCount and LastAccessedAt
// change only on successful reads, and LastAccessedAt never precedes CreatedAt.
type Entry struct {
	Value          interface{}
	CreatedAt      time.Time
	TTL            time.Duration
	Tags           map[string]struct{}
	AccessCount    int64
	LastAccessedAt time.Time
}

// NewEntry builds an entry written at now. Duplicate and empty tags are dropped.
func NewEntry(value interface{}, now time.Time, ttl time.Duration, tags []string) *Entry {
	tagSet := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if tag != "" {
			tagSet[tag] = struct{}{}
		}
	}

	return &Entry{
		Value:          value,
		CreatedAt:      now,
		TTL:            ttl,
		Tags:           tagSet,
		LastAccessedAt: now,
	}
}

// IsExpired reports whether more than TTL has elapsed since the entry was
// written. A non-positive TTL is expired from the start.
func (e *Entry) IsExpired(now time.Time) bool {
	if e.TTL <= 0 {
		return true
	}
	return now.Sub(e.CreatedAt) > e.TTL
}

// ExpiresAt returns the last instant at which the entry is still readable
func (e *Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// HasTag reports whether the entry carries tag
func (e *Entry) HasTag(tag string) bool {
	_, ok := e.Tags[tag]
	return ok
}

// TagList returns the tags in sorted order
func (e *Entry) TagList() []string {
	tags := make([]string, 0, len(e.Tags))
	for tag := range e.Tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// touch records a successful read
func (e *Entry) touch(now time.Time) {
	e.AccessCount++
	if now.Before(e.CreatedAt) {
		now = e.CreatedAt
	}
	e.LastAccessedAt = now
}
