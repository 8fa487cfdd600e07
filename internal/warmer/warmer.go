// Package warmer refreshes a watchlist of quotes on a cron schedule so the
// symbols users ask for most are already cached.
package warmer

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"market-cache/internal/common/errors"
	"market-cache/internal/common/logging"
	"market-cache/internal/locks"
	"market-cache/internal/marketdata"

	"github.com/robfig/cron/v3"
)

const defaultLockTTL = 30 * time.Second

// ErrRunning is returned by RunOnce when a run is already in progress here or
// on another instance holding the lock
var ErrRunning = errors.ValidationError("warm run already in progress")

// Refresher refetches quotes into the cache
type Refresher interface {
	Refresh(ctx context.Context, symbols []string, timeframe string) (marketdata.BatchResult, error)
}

// Config configures a Warmer
type Config struct {
	// Schedule is a standard five-field cron spec or a descriptor such as @every 5m
	Schedule  string
	Symbols   []string
	Timeframe string
	// RunTimeout bounds a single refresh. Zero means no bound.
	RunTimeout time.Duration
	// Locker, when set, makes instances sharing it take turns: a run only
	// proceeds if it takes the lock for its timeframe.
	Locker  locks.Locker
	LockTTL time.Duration
}

// Status describes the warmer's recent activity
type Status struct {
	Schedule   string     `json:"schedule"`
	Symbols    []string   `json:"symbols"`
	Timeframe  string     `json:"timeframe"`
	Running    bool       `json:"running"`
	Runs       int        `json:"runs"`
	Skipped    int        `json:"skipped"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastOK     int        `json:"last_succeeded"`
	LastFailed int        `json:"last_failed"`
	LastError  string     `json:"last_error,omitempty"`
}

// Warmer runs Refresher.Refresh for the watchlist on a schedule. Runs never
// overlap; a tick that fires while the previous run is still going is skipped.
type Warmer struct {
	config    Config
	refresher Refresher
	logger    logging.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	status  Status
}

// New creates a warmer. It does nothing until Start.
func New(config Config, refresher Refresher, logger logging.Logger) (*Warmer, error) {
	if refresher == nil {
		return nil, errors.ConfigError("warmer needs a refresher")
	}
	if len(config.Symbols) == 0 {
		return nil, errors.ConfigError("warmer needs at least one symbol")
	}
	if _, err := cron.ParseStandard(config.Schedule); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid warm schedule %q: %v", config.Schedule, err))
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithFields(logging.String("component", "warmer"))

	if config.Locker != nil && config.LockTTL <= 0 {
		config.LockTTL = defaultLockTTL
	}

	symbols := append([]string(nil), config.Symbols...)
	config.Symbols = symbols

	return &Warmer{
		config:    config,
		refresher: refresher,
		logger:    logger,
		status: Status{
			Schedule:  config.Schedule,
			Symbols:   symbols,
			Timeframe: config.Timeframe,
		},
	}, nil
}

// Start schedules the refresh. Runs use a context derived from ctx, which is
// cancelled by Stop.
func (w *Warmer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cron != nil {
		return errors.ValidationError("warmer already started")
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{w.logger})))
	id, err := c.AddFunc(w.config.Schedule, func() {
		_, _ = w.RunOnce(w.ctx)
	})
	if err != nil {
		w.cancel()
		return errors.ConfigError(fmt.Sprintf("invalid warm schedule %q: %v", w.config.Schedule, err))
	}

	w.cron = c
	w.entryID = id
	c.Start()

	w.logger.Info("Warmer started",
		logging.String("schedule", w.config.Schedule),
		logging.Int("symbols", len(w.config.Symbols)),
		logging.String("timeframe", w.config.Timeframe),
	)
	return nil
}

// Stop cancels any in-flight run and waits for it to return
func (w *Warmer) Stop() {
	w.mu.Lock()
	c, cancel := w.cron, w.cancel
	w.cron = nil
	w.mu.Unlock()

	if c == nil {
		return
	}

	cancel()
	<-c.Stop().Done()
	w.logger.Info("Warmer stopped")
}

// RunOnce refreshes the watchlist now. It returns ErrRunning when a run is
// already in progress here or on another instance holding the lock.
func (w *Warmer) RunOnce(ctx context.Context) (marketdata.BatchResult, error) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return marketdata.BatchResult{}, ErrRunning
	}
	w.running = true
	w.mu.Unlock()

	if w.config.Locker != nil {
		lock, err := w.config.Locker.TryLock(ctx, "warmer:"+w.config.Timeframe, w.config.LockTTL)
		if err != nil {
			w.mu.Lock()
			w.running = false
			w.status.Skipped++
			w.mu.Unlock()

			if stderrors.Is(err, locks.ErrNotAcquired) {
				w.logger.Debug("Warm run skipped, another instance holds the lock")
				return marketdata.BatchResult{}, ErrRunning
			}
			w.logger.Warn("Warm run skipped, lock unavailable", logging.Err(err))
			return marketdata.BatchResult{}, err
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				w.logger.Warn("Failed to release warm lock", logging.Err(err))
			}
		}()
	}

	if w.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.RunTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := w.refresher.Refresh(ctx, w.config.Symbols, w.config.Timeframe)

	w.mu.Lock()
	w.running = false
	w.status.Runs++
	w.status.LastRun = &start
	w.status.LastOK = len(result.Quotes)
	w.status.LastFailed = len(result.Failed)
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("Warm run failed", err)
		return result, err
	}

	w.logger.Info("Warm run complete",
		logging.Int("succeeded", len(result.Quotes)),
		logging.Int("failed", len(result.Failed)),
		logging.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// Status returns a snapshot of the warmer's activity
func (w *Warmer) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	status := w.status
	status.Symbols = append([]string(nil), w.status.Symbols...)
	status.Running = w.running
	if w.cron != nil {
		if next := w.cron.Entry(w.entryID).Next; !next.IsZero() {
			status.NextRun = &next
		}
	}
	return status
}

// LastRun returns when the last run started, or the zero time
func (w *Warmer) LastRun() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.LastRun == nil {
		return time.Time{}
	}
	return *w.status.LastRun
}

// cronLogger adapts logging.Logger to cron.Logger
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, pairs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, err, pairs(keysAndValues)...)
}

func pairs(keysAndValues []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, logging.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
