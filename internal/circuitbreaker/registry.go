package circuitbreaker

import (
	"sort"
	"sync"

	"market-cache/internal/common/logging"
)

// Registry hands out named breakers and reports on all of them
type Registry struct {
	breakers map[string]*GoBreakerAdapter
	logger   logging.Logger
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Registry{
		breakers: make(map[string]*GoBreakerAdapter),
		logger:   logger,
	}
}

// GetOrCreate returns the breaker registered under name, creating it with config if needed
func (r *Registry) GetOrCreate(name string, config Config) *GoBreakerAdapter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if breaker, exists := r.breakers[name]; exists {
		return breaker
	}

	breaker := NewGoBreaker(name, config, r.logger)
	r.breakers[name] = breaker
	return breaker
}

// Get retrieves an existing breaker by name
func (r *Registry) Get(name string) (*GoBreakerAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	breaker, exists := r.breakers[name]
	return breaker, exists
}

// AllStats returns statistics for every breaker, sorted by name
func (r *Registry) AllStats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, breaker := range r.breakers {
		stats = append(stats, breaker.Stats())
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
