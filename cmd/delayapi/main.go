package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/transitdelay-data/internal/aggregate"
	"github.com/transitdelay-data/internal/api"
	"github.com/transitdelay-data/internal/common/config"
	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/internal/common/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	loggerConfig := logger.DefaultLoggerConfig("")
	loggerConfig.Level = logger.ParseLogLevel(cfg.Logging.Level)
	log := logger.NewFromConfig(loggerConfig)

	cache, err := aggregate.Load(cfg.Aggregate.InputCSV, aggregate.Options{
		Bounds: aggregate.Bounds{
			MinLat: cfg.Aggregate.MinLat,
			MaxLat: cfg.Aggregate.MaxLat,
			MinLon: cfg.Aggregate.MinLon,
			MaxLon: cfg.Aggregate.MaxLon,
		},
		Location: cfg.Location,
	}, log)
	if err != nil {
		log.Fatal("Failed to load delay log", "path", cfg.Aggregate.InputCSV, "error", err)
	}

	server := api.NewServer(cache, metrics.NewAPIMetrics(), log)
	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("Delay API listening", "addr", cfg.API.Addr, "observations", cache.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("API server error", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("API shutdown error", "error", err)
	}
	log.Info("Delay API stopped")
}
