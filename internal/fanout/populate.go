package fanout

import (
	"context"
	"time"

	"market-cache/internal/common/logging"
)

// Store is the cache surface Populate reads from and writes to
type Store interface {
	Get(ctx context.Context, key string) (interface{}, bool)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration, tags ...string) bool
}

// PopulateOptions configures Populate
type PopulateOptions struct {
	// Limit caps concurrent fetches
	Limit int
	// TTL for written entries; zero means the store default
	TTL time.Duration
	// Tags returns the tags written with key. Optional.
	Tags func(key string) []string
	// Fetch loads one key on a cache miss
	Fetch FetchFunc[string, interface{}]
	Logger logging.Logger
}

// PopulateResult covers every requested key. Cache hits are reported in
// Succeeded and counted in FromCache.
type PopulateResult struct {
	Result[string, interface{}]
	FromCache int
}

// Populate serves keys from store, fetching the misses through Run and
// writing each value Run reports as succeeded back with the configured TTL
// and tags. A value that fails to be written is still returned.
func Populate(ctx context.Context, store Store, keys []string, opts PopulateOptions) PopulateResult {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithContext(ctx)

	unique := dedupe(keys)
	cached := make(map[string]interface{}, len(unique))
	var missing []string
	for _, key := range unique {
		if value, ok := store.Get(ctx, key); ok {
			cached[key] = value
			continue
		}
		missing = append(missing, key)
	}

	result := PopulateResult{
		Result:    Run(ctx, missing, opts.Limit, opts.Fetch),
		FromCache: len(cached),
	}

	// Only keys Run kept are written, so a fetch that finished after
	// cancellation never reaches the store.
	for key, value := range result.Succeeded {
		var tags []string
		if opts.Tags != nil {
			tags = opts.Tags(key)
		}
		if !store.Set(ctx, key, value, opts.TTL, tags...) {
			logger.Warn("Fetched value not fully cached", logging.String("key", key))
		}
	}
	for key, value := range cached {
		result.Succeeded[key] = value
	}

	logger.Debug("Populate finished",
		logging.Int("requested", len(unique)),
		logging.Int("from_cache", result.FromCache),
		logging.Int("fetched", len(result.Succeeded)-result.FromCache),
		logging.Int("failed", len(result.Failed)),
	)

	return result
}
