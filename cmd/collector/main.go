package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hako/durafmt"

	"github.com/transitdelay-data/internal/common/config"
	"github.com/transitdelay-data/internal/common/db"
	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/internal/common/maintenance"
	"github.com/transitdelay-data/internal/common/metrics"
	gtfs_realtime "github.com/transitdelay-data/internal/gtfs-realtime"
	"github.com/transitdelay-data/internal/gtfs-static/schedule"
	"github.com/transitdelay-data/internal/gtfs-static/scraper"
	"github.com/transitdelay-data/internal/store"
)

func main() {
	// Load configuration (.env is optional)
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	loggerConfig := logger.DefaultLoggerConfig(cfg.Logging.FilePath)
	loggerConfig.Level = logger.ParseLogLevel(cfg.Logging.Level)
	log := logger.NewFromConfig(loggerConfig)

	log.Info("Transit delay collector starting",
		"version", "1.0.0",
		"log_level", cfg.Logging.Level,
		"interval", cfg.Collector.Interval,
		"duration", cfg.Collector.Duration,
		"output", cfg.Collector.OutputCSV,
	)

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, log)
	stop()
	if err != nil {
		log.Fatal("Transit delay collector failed", "error", err)
	}
}

// run owns every resource it opens, so all of them are released before it returns.
func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	staticSource := cfg.GTFSStatic.Dir
	if cfg.GTFSStatic.URL != "" {
		refresher := scraper.NewRefresher(scraper.Config{URL: cfg.GTFSStatic.URL, Dir: cfg.GTFSStatic.Dir}, log)
		path, updated, err := refresher.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("obtaining GTFS static archive from %s: %w", cfg.GTFSStatic.URL, err)
		}
		log.Info("GTFS static archive ready", "path", path, "downloaded", updated)
		staticSource = path
	}

	// The static schedule is required; without it no delay can be computed
	table, err := schedule.Load(ctx, staticSource, log)
	if err != nil {
		return fmt.Errorf("loading GTFS static schedule from %s: %w", staticSource, err)
	}

	csvStore := store.NewCSVStore(cfg.Collector.OutputCSV, log)
	var mirrors []store.Store
	var database *db.DB
	if cfg.Database.Enabled() {
		database, err = db.New(ctx, cfg.Database.ConnectionString(), log)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		pg := store.NewPostgresStore(database, cfg.Database.Table, log)
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return fmt.Errorf("preparing table %s: %w", cfg.Database.Table, err)
		}
		mirrors = append(mirrors, pg)
		log.Info("Postgres mirror enabled", "table", cfg.Database.Table)
	}
	observations := store.NewMultiStore(log, csvStore, mirrors...)
	defer func() {
		if err := observations.Close(); err != nil {
			log.Warn("Failed to close stores", "error", err)
		}
	}()

	if database != nil && cfg.Database.Retention > 0 {
		cleanupCfg := maintenance.DefaultSchedulerConfig(cfg.Database.Retention)
		cleanupCfg.Interval = cfg.Database.CleanupInterval
		cleanup := maintenance.NewCleanupScheduler(database, cfg.Database.Table, log, cleanupCfg)
		if err := cleanup.Start(ctx); err != nil {
			return fmt.Errorf("starting cleanup scheduler: %w", err)
		}
		// stopped before the stores close the shared connection
		defer cleanup.Stop()
	}

	m := metrics.NewCollector(cfg.Collector.Interval)
	if cfg.Metrics.Addr != "" {
		srv := m.Serve(cfg.Metrics.Addr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	mgr := gtfs_realtime.NewManager(cfg, table, observations, csvStore, m, log)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting collector: %w", err)
	}

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case <-mgr.Done():
	}

	summary := mgr.Stop()
	log.Info("Transit delay collector stopped",
		"collections", summary.Collections,
		"failed_cycles", summary.FailedCycles,
		"observations", summary.Observations,
		"elapsed", durafmt.Parse(summary.Elapsed.Truncate(time.Second)).String(),
	)
	return nil
}
