// Package marketdata serves quotes through the tiered cache, fetching misses
// from the provider under a bounded fan-out.
package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"market-cache/internal/cache"
	"market-cache/internal/common/errors"
	"market-cache/internal/common/logging"
	"market-cache/internal/common/validation"
	"market-cache/internal/fanout"
	"market-cache/internal/provider"

	"github.com/google/uuid"
)

const (
	// DefaultTTL is how long a fetched quote stays fresh
	DefaultTTL = time.Minute
	// DefaultConcurrency caps in-flight provider calls per batch
	DefaultConcurrency = 8
)

// Key is the cache key of a quote
func Key(symbol, timeframe string) string {
	return fmt.Sprintf("market_data:%s:%s", symbol, timeframe)
}

// SymbolTag tags every cached timeframe of a symbol
func SymbolTag(symbol string) string {
	return "symbol:" + symbol
}

// TimeframeTag tags every cached symbol of a timeframe
func TimeframeTag(timeframe string) string {
	return "timeframe:" + timeframe
}

// Config configures a Service
type Config struct {
	TTL         time.Duration
	Concurrency int
}

// FailedSymbol explains why a symbol is missing from a batch
type FailedSymbol struct {
	Error     string `json:"error"`
	Type      string `json:"type"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// BatchResult is the outcome of a multi-symbol request. Every requested
// symbol is in exactly one of Quotes or Failed.
type BatchResult struct {
	BatchID   string                  `json:"batch_id"`
	Timeframe string                  `json:"timeframe"`
	Quotes    map[string]Quote        `json:"quotes"`
	Failed    map[string]FailedSymbol `json:"failed"`
	FromCache int                     `json:"from_cache"`
	Duration  time.Duration           `json:"duration"`
}

// Service reads quotes through the cache manager
type Service struct {
	cache       *cache.Manager
	provider    provider.Provider
	ttl         time.Duration
	concurrency int
	logger      logging.Logger
}

// NewService creates a quote service
func NewService(manager *cache.Manager, p provider.Provider, config Config, logger logging.Logger) (*Service, error) {
	if manager == nil {
		return nil, errors.ConfigError("cache manager is required")
	}
	if p == nil {
		return nil, errors.ConfigError("provider is required")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Service{
		cache:       manager,
		provider:    p,
		ttl:         config.TTL,
		concurrency: config.Concurrency,
		logger:      logger.WithFields(logging.String("component", "marketdata")),
	}, nil
}

// NormalizeSymbol trims and upper-cases a user supplied symbol
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// GetQuote returns one quote, loading it from the provider on a miss.
// Concurrent misses for the same quote share one provider call.
func (s *Service) GetQuote(ctx context.Context, symbol, timeframe string) (Quote, error) {
	symbol = NormalizeSymbol(symbol)
	if err := validation.Symbol(symbol); err != nil {
		return Quote{}, err
	}
	if err := validation.Timeframe(timeframe); err != nil {
		return Quote{}, err
	}

	raw, err := s.cache.GetOrLoad(ctx, Key(symbol, timeframe), s.ttl, s.tags(symbol, timeframe),
		func(ctx context.Context) (interface{}, error) {
			return s.fetch(ctx, symbol, timeframe)
		})
	if err != nil {
		return Quote{}, err
	}

	return toQuote(symbol, timeframe, raw)
}

// GetQuotes returns quotes for many symbols. Cached quotes are served
// directly; misses are fetched concurrently and a failure for one symbol
// never fails the batch. The only error is an invalid timeframe.
func (s *Service) GetQuotes(ctx context.Context, symbols []string, timeframe string) (BatchResult, error) {
	return s.batch(ctx, symbols, timeframe, false)
}

// Refresh fetches every symbol from the provider regardless of what is
// cached and rewrites the cache entries.
func (s *Service) Refresh(ctx context.Context, symbols []string, timeframe string) (BatchResult, error) {
	return s.batch(ctx, symbols, timeframe, true)
}

func (s *Service) batch(ctx context.Context, symbols []string, timeframe string, refresh bool) (BatchResult, error) {
	if err := validation.Timeframe(timeframe); err != nil {
		return BatchResult{}, err
	}

	start := time.Now()
	result := BatchResult{
		BatchID:   uuid.NewString(),
		Timeframe: timeframe,
		Quotes:    make(map[string]Quote),
		Failed:    make(map[string]FailedSymbol),
	}
	ctx = context.WithValue(ctx, logging.BatchIDKey, result.BatchID)
	logger := s.logger.WithContext(ctx)

	bySymbol := make(map[string]string)
	keys := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		symbol := NormalizeSymbol(raw)
		if err := validation.Symbol(symbol); err != nil {
			result.Failed[raw] = failure(err, false)
			continue
		}
		key := Key(symbol, timeframe)
		if _, seen := bySymbol[key]; seen {
			continue
		}
		bySymbol[key] = symbol
		keys = append(keys, key)
	}

	fetch := func(ctx context.Context, key string) (interface{}, error) {
		return s.fetch(ctx, bySymbol[key], timeframe)
	}

	var outcome fanout.Result[string, interface{}]
	if refresh {
		outcome = fanout.Run(ctx, keys, s.concurrency, func(ctx context.Context, key string) (interface{}, error) {
			value, err := fetch(ctx, key)
			if err != nil {
				return nil, err
			}
			symbol := bySymbol[key]
			if !s.cache.Set(ctx, key, value, s.ttl, s.tags(symbol, timeframe)...) {
				logger.Warn("Refreshed quote not fully cached", logging.String("key", key))
			}
			return value, nil
		})
	} else {
		populated := fanout.Populate(ctx, s.cache, keys, fanout.PopulateOptions{
			Limit: s.concurrency,
			TTL:   s.ttl,
			Tags: func(key string) []string {
				return s.tags(bySymbol[key], timeframe)
			},
			Fetch:  fetch,
			Logger: logger,
		})
		outcome = populated.Result
		result.FromCache = populated.FromCache
	}

	for key, raw := range outcome.Succeeded {
		symbol := bySymbol[key]
		quote, err := toQuote(symbol, timeframe, raw)
		if err != nil {
			result.Failed[symbol] = failure(err, false)
			continue
		}
		result.Quotes[symbol] = quote
	}
	for key, info := range outcome.Failed {
		result.Failed[bySymbol[key]] = failure(info.Err, info.Cancelled)
	}

	result.Duration = time.Since(start)

	logger.Info("Quote batch complete",
		logging.Int("requested", len(symbols)),
		logging.Int("succeeded", len(result.Quotes)),
		logging.Int("failed", len(result.Failed)),
		logging.Int("from_cache", result.FromCache),
		logging.Bool("refresh", refresh),
		logging.Duration("duration", result.Duration),
	)

	return result, nil
}

// InvalidateSymbol drops every cached timeframe of symbol and returns how
// many entries were removed. Entries promoted from L2 into L1 carry no tags,
// so each timeframe key is also deleted directly.
func (s *Service) InvalidateSymbol(ctx context.Context, symbol string) (int, error) {
	symbol = NormalizeSymbol(symbol)
	if err := validation.Symbol(symbol); err != nil {
		return 0, err
	}

	removed := s.cache.InvalidateByTag(ctx, SymbolTag(symbol))
	for _, tf := range validation.Timeframes {
		if s.cache.Delete(ctx, Key(symbol, tf)) {
			removed++
		}
	}

	s.logger.Info("Invalidated symbol", logging.String("symbol", symbol), logging.Int("removed", removed))
	return removed, nil
}

func (s *Service) fetch(ctx context.Context, symbol, timeframe string) (interface{}, error) {
	return s.provider.Fetch(ctx, symbol+"/"+timeframe)
}

func (s *Service) tags(symbol, timeframe string) []string {
	return []string{SymbolTag(symbol), TimeframeTag(timeframe)}
}

func failure(err error, cancelled bool) FailedSymbol {
	return FailedSymbol{
		Error:     err.Error(),
		Type:      string(errors.GetType(err)),
		Cancelled: cancelled,
	}
}
