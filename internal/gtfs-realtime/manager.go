package gtfs_realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/transitdelay-data/internal/common/config"
	"github.com/transitdelay-data/internal/common/discord"
	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/internal/common/metrics"
	"github.com/transitdelay-data/internal/gtfs-realtime/collector"
	"github.com/transitdelay-data/internal/gtfs-realtime/consumer"
	"github.com/transitdelay-data/internal/gtfs-realtime/delay"
	"github.com/transitdelay-data/internal/store"
)

type Manager struct {
	config    config.GTFSRealtimeConfig
	collCfg   config.CollectorConfig
	logger    logger.Logger
	consumer  *consumer.Consumer
	collector *collector.Collector
	mu        sync.RWMutex
	isRunning bool
	cancelFn  context.CancelFunc
	done      chan struct{}
	summary   collector.Summary
}

// NewManager wires the feed consumer and the collection loop. m and sizer may be nil.
func NewManager(cfg *config.Config, table delay.Schedule, st store.Store, sizer collector.Sizer, m *metrics.Collector, log logger.Logger) *Manager {
	var fetchMetrics consumer.FetchMetrics
	opts := []collector.Option{collector.WithLocation(cfg.Location)}
	if m != nil {
		fetchMetrics = m
		opts = append(opts, collector.WithMetrics(m))
	}
	if sizer != nil {
		opts = append(opts, collector.WithSizer(sizer))
	}
	if cfg.Collector.DiscordURL != "" {
		opts = append(opts, collector.WithNotifier(discord.NewClient(cfg.Collector.DiscordURL)))
	}

	cons := consumer.NewConsumer(consumer.Config{
		Timeout:      cfg.GTFSRealtime.Timeout,
		APIKey:       cfg.GTFSRealtime.APIKey,
		APIKeyHeader: cfg.GTFSRealtime.APIKeyHeader,
	}, log, fetchMetrics)

	coll := collector.New(collector.Config{
		TripUpdatesURL:      cfg.GTFSRealtime.TripUpdatesURL,
		VehiclePositionsURL: cfg.GTFSRealtime.VehiclePositionsURL,
		Interval:            cfg.Collector.Interval,
		Duration:            cfg.Collector.Duration,
	}, cons, table, st, log, opts...)

	return &Manager{
		config:    cfg.GTFSRealtime,
		collCfg:   cfg.Collector,
		logger:    log,
		consumer:  cons,
		collector: coll,
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("GTFS-realtime manager is already running")
	}

	if err := m.validateConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancelFn = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		summary := m.collector.Run(ctx)
		m.mu.Lock()
		m.summary = summary
		m.isRunning = false
		m.mu.Unlock()
		close(done)
	}(m.done)

	m.isRunning = true
	m.logger.Info("GTFS-realtime manager started successfully")

	return nil
}

// Done is closed when the collection loop returns, either on Stop or when the
// configured duration has elapsed.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// Stop cancels the loop and waits for the cycle in flight to finish.
func (m *Manager) Stop() collector.Summary {
	m.mu.RLock()
	cancel, done := m.cancelFn, m.done
	m.mu.RUnlock()

	if cancel == nil {
		return collector.Summary{}
	}

	m.logger.Info("Stopping GTFS-realtime manager")
	cancel()
	<-done

	m.mu.RLock()
	defer m.mu.RUnlock()
	m.logger.Info("GTFS-realtime manager stopped")
	return m.summary
}

func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

func (m *Manager) Collector() *collector.Collector {
	return m.collector
}

func (m *Manager) validateConfig() error {
	if m.config.TripUpdatesURL == "" {
		return fmt.Errorf("trip updates URL is required")
	}
	if m.config.VehiclePositionsURL == "" {
		return fmt.Errorf("vehicle positions URL is required")
	}
	if m.collCfg.Interval <= 0 {
		return fmt.Errorf("collection interval must be positive")
	}
	if m.collCfg.Duration < 0 {
		return fmt.Errorf("collection duration cannot be negative")
	}
	return nil
}
