// Package app wires configuration, cache tiers, the provider and the admin
// API into a running service.
package app

import (
	"context"
	"fmt"

	"market-cache/internal/cache"
	"market-cache/internal/circuitbreaker"
	"market-cache/internal/common/logging"
	"market-cache/internal/common/ratelimit"
	"market-cache/internal/config"
	"market-cache/internal/handlers"
	"market-cache/internal/locks"
	"market-cache/internal/marketdata"
	"market-cache/internal/middleware"
	"market-cache/internal/provider"
	"market-cache/internal/redis"
	"market-cache/internal/server"
	"market-cache/internal/warmer"

	"go.uber.org/multierr"
)

// Breaker names registered by the app
const (
	RedisBreaker    = "redis-tier"
	ProviderBreaker = "provider"
)

const maxTrackedClients = 10000

// App holds all the application dependencies
type App struct {
	Config   *config.Config
	Logger   logging.Logger
	Redis    *redis.Client
	Breakers *circuitbreaker.Registry
	Cache    *cache.Manager
	Quotes   *marketdata.Service
	Warmer   *warmer.Warmer
	Handlers *handlers.Handlers
	Server   *server.Server
}

// New creates a new application instance with all dependencies. Nothing is
// started until Start.
func New(cfg *config.Config, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	app := &App{
		Config:   cfg,
		Logger:   logger.WithFields(logging.String("component", "app")),
		Breakers: circuitbreaker.NewRegistry(logger),
	}

	if err := app.initializeCache(); err != nil {
		app.Close()
		return nil, err
	}

	if err := app.initializeQuotes(); err != nil {
		app.Close()
		return nil, err
	}

	opts := []handlers.Option{
		handlers.WithBreakers(app.Breakers),
		handlers.WithLogger(logger),
	}
	if cfg.APIRateLimit > 0 {
		limiter, err := app.clientLimiter()
		if err != nil {
			app.Close()
			return nil, err
		}
		opts = append(opts, handlers.WithClientLimiter(limiter))
	}
	if app.Quotes != nil {
		opts = append(opts, handlers.WithQuotes(app.Quotes))
	}
	if app.Warmer != nil {
		opts = append(opts, handlers.WithWarmer(app.Warmer))
	}
	app.Handlers = handlers.New(app.Cache, opts...)
	app.Server = server.New(app.Handlers.Router(), cfg.Addr(), logger)

	return app, nil
}

func (app *App) initializeCache() error {
	cfg := app.Config

	l1, err := cache.NewMemoryTier(cfg.L1Capacity, cache.WithName("l1"), cache.WithLogger(app.Logger))
	if err != nil {
		return err
	}

	opts := []cache.ManagerOption{
		cache.WithDefaultTTL(cfg.DefaultTTL),
		cache.WithManagerLogger(app.Logger),
	}

	l2, err := app.buildL2()
	if err != nil {
		return err
	}
	if l2 != nil {
		opts = append(opts, cache.WithL2(l2))
	}

	app.Cache, err = cache.NewManager(l1, opts...)
	if err != nil {
		return err
	}

	app.Logger.Info("Cache ready",
		logging.Int("l1_capacity", cfg.L1Capacity),
		logging.String("l2_backend", cfg.L2Backend),
		logging.Duration("default_ttl", cfg.DefaultTTL),
	)
	return nil
}

func (app *App) buildL2() (cache.Tier, error) {
	cfg := app.Config

	switch cfg.L2Backend {
	case "memory":
		return cache.NewMemoryTier(cfg.L2Capacity, cache.WithName("l2"), cache.WithLogger(app.Logger))
	case "redis":
		client, err := redis.NewClient(&redis.Config{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		})
		if err != nil {
			return nil, err
		}
		app.Redis = client
		app.Logger.Info("Redis: Connected", logging.String("address", client.Address()))

		return cache.NewRedisTier(client.Redis(), cfg.L2Capacity,
			cache.WithName("l2"),
			cache.WithKeyPrefix(cfg.KeyPrefix),
			cache.WithBreaker(app.Breakers.GetOrCreate(RedisBreaker, circuitbreaker.RedisTierConfig)),
			cache.WithLogger(app.Logger),
		)
	default:
		return nil, nil
	}
}

func (app *App) initializeQuotes() error {
	cfg := app.Config
	if !cfg.HasProvider() {
		app.Logger.Info("Provider: Not configured (quote routes and warmer disabled)")
		return nil
	}

	httpProvider, err := provider.NewHTTPProvider(provider.HTTPConfig{
		BaseURL:         cfg.ProviderURL,
		Timeout:         cfg.ProviderTimeout,
		MaxConnsPerHost: cfg.FanoutConcurrency,
	}, app.Logger)
	if err != nil {
		return err
	}

	limiter, err := ratelimit.NewLocalLimiter(ratelimit.Config{
		RequestsPerSecond: cfg.ProviderRPS,
		BurstSize:         cfg.ProviderBurst,
		Enabled:           cfg.ProviderRPS > 0,
	})
	if err != nil {
		return err
	}

	// Throttle outside the breaker so waiting for a token never counts as a
	// failure. Every retry waits for its own token.
	var p provider.Provider = httpProvider
	p = provider.WithBreaker(p, app.Breakers.GetOrCreate(ProviderBreaker, circuitbreaker.ProviderConfig))
	p = provider.WithRateLimit(p, limiter)

	retry := provider.DefaultRetryConfig()
	retry.MaxAttempts = cfg.ProviderAttempts
	retry.InitialDelay = cfg.ProviderBackoff
	retry.Logger = app.Logger
	p = provider.WithRetry(p, retry)

	app.Quotes, err = marketdata.NewService(app.Cache, p, marketdata.Config{
		TTL:         cfg.QuoteTTL,
		Concurrency: cfg.FanoutConcurrency,
	}, app.Logger)
	if err != nil {
		return err
	}

	if cfg.WarmSchedule != "" {
		warmCfg := warmer.Config{
			Schedule:   cfg.WarmSchedule,
			Symbols:    cfg.WarmSymbols,
			Timeframe:  cfg.WarmTimeframe,
			RunTimeout: cfg.ProviderTimeout * 3,
		}
		// Replicas sharing a Redis L2 take turns warming it
		if app.Redis != nil {
			locker, err := locks.NewRedsyncLocker(app.Redis.Redis(), cfg.KeyPrefix, app.Logger)
			if err != nil {
				return err
			}
			warmCfg.Locker = locker
			warmCfg.LockTTL = warmCfg.RunTimeout
		}

		app.Warmer, err = warmer.New(warmCfg, app.Quotes, app.Logger)
		if err != nil {
			return err
		}
	}

	app.Logger.Info("Provider: Configured",
		logging.String("url", cfg.ProviderURL),
		logging.Int("concurrency", cfg.FanoutConcurrency),
		logging.Any("rps", cfg.ProviderRPS),
	)
	return nil
}

// clientLimiter counts in Redis when it is available so every replica
// enforces the same budget
func (app *App) clientLimiter() (middleware.ClientLimiter, error) {
	cfg := app.Config
	if app.Redis != nil {
		return middleware.NewRedisWindowLimiter(app.Redis.Redis(), cfg.KeyPrefix, cfg.APIRateLimit, cfg.APIRateWindow)
	}
	return middleware.NewLocalClientLimiter(cfg.APIRateLimit, cfg.APIRateWindow, maxTrackedClients)
}

// Start starts the warmer and the HTTP server
func (app *App) Start(ctx context.Context) error {
	if app.Warmer != nil {
		if err := app.Warmer.Start(ctx); err != nil {
			return err
		}
	}

	if err := app.Server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and stops the warmer
func (app *App) Shutdown(ctx context.Context) error {
	var err error
	if app.Server != nil {
		err = multierr.Append(err, app.Server.Shutdown(ctx))
	}
	if app.Warmer != nil {
		app.Warmer.Stop()
	}
	return err
}

// Close releases the cache tiers and the Redis connection
func (app *App) Close() error {
	var err error
	if app.Cache != nil {
		err = multierr.Append(err, app.Cache.Close())
	}
	if app.Redis != nil {
		err = multierr.Append(err, app.Redis.Close())
	}
	return err
}
