package app

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"market-cache/internal/common/logging"
	"market-cache/internal/config"

	"github.com/joho/godotenv"
)

// Version is set at build time
var Version = "dev"

// Run is the main entry point for the application
func Run() error {
	// Load environment variables
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("Failed to load configuration", err)
		return err
	}

	logger := logging.InitGlobalLogger(cfg.LogLevel, logging.Format(cfg.LogFormat))
	defer logging.MustSync()

	logger.Info("Starting market cache",
		logging.Int("cpus", runtime.NumCPU()),
		logging.String("version", Version),
	)

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", err)
		return err
	}

	app, err := New(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize application", err)
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("Error releasing resources", logging.Err(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		logger.Error("Failed to start", err)
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case serveErr = <-app.Server.Err():
		logger.Error("Server stopped unexpectedly", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", err)
		return err
	}

	logger.Info("Server exited")
	return serveErr
}
