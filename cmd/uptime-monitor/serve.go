package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/api"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/buffer"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/checker"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/config"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/queue"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage/postgres"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage/sqlite"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scan pipeline and the ops API",
	Long: `Start the recurring scan, the probe pool, the result buffer and the ops API.

The process runs until interrupted (Ctrl+C) or it receives SIGTERM, then
stops scheduling scans, drains the result buffer, closes the probe pool and
the HTTP server, and finally the database.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// openStore returns the configured store and the lock that guards the scan
// job. Only postgres can coordinate several processes.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Storer, queue.Locker, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err := postgres.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		return store, store, nil
	default:
		store, err := sqlite.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize sqlite storage: %w", err)
		}
		return store, queue.LocalLocker{}, nil
	}
}

func poolConfig(cfg config.ProbeConfig) checker.PoolConfig {
	return checker.PoolConfig{
		Timeout:           cfg.Timeout,
		UserAgent:         cfg.UserAgent,
		MaxConns:          cfg.MaxConns,
		MaxConnsPerOrigin: cfg.MaxConnsPerOrigin,
		MaxIdlePerOrigin:  cfg.MaxIdlePerOrigin,
		IdleTimeout:       cfg.IdleTimeout,
		AcquireTimeout:    cfg.AcquireTimeout,
		MaxRedirects:      cfg.MaxRedirects,
	}
}

func bufferConfig(cfg config.BufferConfig) buffer.Config {
	return buffer.Config{
		Capacity:            cfg.Capacity,
		FlushInterval:       cfg.FlushInterval,
		StatsInterval:       cfg.StatsInterval,
		FlushTimeout:        cfg.FlushTimeout,
		HighWaterMark:       cfg.HighWaterMark,
		CriticalUtilization: cfg.CriticalUtilization,
		MaxRetries:          cfg.MaxRetries,
		RetryBackoff:        cfg.RetryBackoff,
	}
}

func queueConfig(scan config.ScanConfig, cfg config.QueueConfig) queue.Config {
	return queue.Config{
		Name:       cfg.LockKey,
		Interval:   scan.Interval,
		JobTimeout: scan.JobTimeout,
		Retry: queue.RetryPolicy{
			Attempts:       cfg.RetryAttempts,
			InitialBackoff: cfg.RetryBackoff,
		},
		DeadLetter: queue.RetryPolicy{
			Attempts:       cfg.DeadLetterAttempts,
			InitialBackoff: cfg.DeadLetterBackoff,
		},
		MaxDeadLetters: cfg.MaxDeadLetters,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.AddSource, cfg.Server.Environment)
	log.Info("config loaded",
		slog.String("driver", cfg.Database.Driver),
		slog.Duration("scan_interval", cfg.Scan.Interval),
		slog.Int("scan_concurrency", cfg.Scan.Concurrency),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, locker, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	log.Info("database connection successful")

	pool := checker.NewProbePool(poolConfig(cfg.Probe), log.With(slog.String("component", "probe_pool")))
	buf := buffer.New(store, bufferConfig(cfg.Buffer), log.With(slog.String("component", "result_buffer")))
	processor := checker.NewProcessor(store, pool, buf,
		log.With(slog.String("component", "scan_processor")),
		checker.WithConcurrency(cfg.Scan.Concurrency),
	)
	scanQueue := queue.New(queueConfig(cfg.Scan, cfg.Queue), processor.Run, locker, log)

	server, err := api.NewServer(cfg.Server.Address, api.Dependencies{
		Pool:     pool,
		Buffer:   buf,
		Queue:    scanQueue,
		Monitors: store,
		Logger:   log.With(slog.String("component", "api")),
	})
	if err != nil {
		buf.Close(context.Background())
		pool.Close()
		store.Close()
		return err
	}
	serverErr, err := server.Start()
	if err != nil {
		buf.Close(context.Background())
		pool.Close()
		store.Close()
		return err
	}

	scanQueue.Start(ctx)
	log.Info("application is running")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, starting graceful shutdown")
	case err, ok := <-serverErr:
		if ok && err != nil {
			runErr = fmt.Errorf("http server error: %w", err)
			log.Error("http server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop scheduling first so nothing new reaches the buffer, then drain it
	// while the store is still open.
	scanQueue.Stop()
	res := buf.Close(shutdownCtx)
	if lost := res.Requeued + res.Dropped; lost > 0 {
		log.Warn("ping logs lost on shutdown",
			slog.Int("unflushed", res.Requeued),
			slog.Int("dropped", res.Dropped),
		)
	}
	pool.Close()
	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("http server shutdown error: %w", err)
	}
	if err := store.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close store: %w", err)
	}

	if runErr == nil {
		log.Info("application shut down gracefully")
	}
	return runErr
}
