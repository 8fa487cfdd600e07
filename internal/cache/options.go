package cache

import (
	"market-cache/internal/circuitbreaker"
	"market-cache/internal/common/logging"

	"github.com/benbjohnson/clock"
)

// Option configures a tier
type Option func(*tierOptions)

type tierOptions struct {
	name      string
	clock     clock.Clock
	logger    logging.Logger
	breaker   *circuitbreaker.GoBreakerAdapter
	keyPrefix string
}

// WithClock sets the time source used for expiry and access times
func WithClock(c clock.Clock) Option {
	return func(o *tierOptions) {
		o.clock = c
	}
}

// WithLogger sets the tier logger
func WithLogger(logger logging.Logger) Option {
	return func(o *tierOptions) {
		o.logger = logger
	}
}

// WithName overrides the tier name reported in stats and logs
func WithName(name string) Option {
	return func(o *tierOptions) {
		o.name = name
	}
}

// WithBreaker guards every call a remote tier makes. Ignored by MemoryTier.
func WithBreaker(breaker *circuitbreaker.GoBreakerAdapter) Option {
	return func(o *tierOptions) {
		o.breaker = breaker
	}
}

// WithKeyPrefix namespaces every key a remote tier writes. Ignored by MemoryTier.
func WithKeyPrefix(prefix string) Option {
	return func(o *tierOptions) {
		o.keyPrefix = prefix
	}
}

func applyOptions(defaultName string, opts []Option) tierOptions {
	o := tierOptions{
		name:      defaultName,
		clock:     clock.New(),
		keyPrefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = logging.GetGlobalLogger()
	}
	o.logger = o.logger.WithFields(
		logging.Field{Key: "component", Value: "cache_tier"},
		logging.Field{Key: "tier", Value: o.name},
	)

	return o
}
