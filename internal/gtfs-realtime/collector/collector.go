// Package collector runs the fetch, compute and store cycle on a fixed
// interval and backs off after repeated failures.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/internal/common/metrics"
	"github.com/transitdelay-data/internal/gtfs-realtime/consumer"
	"github.com/transitdelay-data/internal/gtfs-realtime/delay"
	"github.com/transitdelay-data/internal/store"
)

const (
	// BackoffThreshold is the number of consecutive failed cycles that triggers backoff.
	BackoffThreshold = 3
	MaxBackoff       = 300 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateFetching
	StateSleeping
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateSleeping:
		return "sleeping"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type FeedSource interface {
	FetchPair(ctx context.Context, tripUpdatesURL, vehiclePositionsURL string) (consumer.FeedPair, error)
}

type Notifier interface {
	NotifyBackoff(ctx context.Context, failures int, sleep time.Duration, cause error) error
	NotifyRecovered(ctx context.Context, failures int) error
}

// Sizer reports the size of the primary output, logged on exit.
type Sizer interface {
	Size() (int64, error)
}

type Config struct {
	TripUpdatesURL      string
	VehiclePositionsURL string
	Interval            time.Duration
	Duration            time.Duration // 0 runs until the context is cancelled
}

// Summary is what a finished run reports.
type Summary struct {
	Collections       int
	FailedCycles      int
	Observations      int
	OutputBytes       int64
	ConsecutiveErrors int
	Elapsed           time.Duration
}

type Collector struct {
	cfg      Config
	feeds    FeedSource
	schedule delay.Schedule
	store    store.Store
	sizer    Sizer
	logger   logger.Logger
	metrics  *metrics.Collector
	notifier Notifier

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	loc   *time.Location

	mu                  sync.RWMutex
	state               State
	consecutiveFailures int
	collections         int
	failedCycles        int
	observations        int
}

type Option func(*Collector)

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Collector) { c.metrics = m }
}

func WithNotifier(n Notifier) Option {
	return func(c *Collector) { c.notifier = n }
}

func WithSizer(s Sizer) Option {
	return func(c *Collector) { c.sizer = s }
}

// WithClock replaces the wall clock and the interruptible sleep.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Collector) {
		c.now = now
		c.sleep = sleep
	}
}

// WithLocation sets the zone observation timestamps and the scheduled-time
// anchor are expressed in. The process local zone is used otherwise.
func WithLocation(loc *time.Location) Option {
	return func(c *Collector) { c.loc = loc }
}

func New(cfg Config, feeds FeedSource, schedule delay.Schedule, st store.Store, log logger.Logger, opts ...Option) *Collector {
	c := &Collector{
		cfg:      cfg,
		feeds:    feeds,
		schedule: schedule,
		store:    st,
		logger:   log,
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) localNow() time.Time {
	if c.loc == nil {
		return c.now()
	}
	return c.now().In(c.loc)
}

// NextSleep returns how long to wait after a cycle and whether that wait is a
// backoff. failures is the consecutive failure count after the cycle.
func NextSleep(interval, elapsed time.Duration, failures int) (time.Duration, bool) {
	if failures >= BackoffThreshold {
		backoff := interval * time.Duration(failures)
		if backoff > MaxBackoff || backoff < 0 {
			backoff = MaxBackoff
		}
		return backoff, true
	}
	if d := interval - elapsed; d > 0 {
		return d, false
	}
	return 0, false
}

// Run loops until ctx is cancelled or the configured duration has elapsed.
// Both are checked only between cycles; a cycle in flight always completes.
func (c *Collector) Run(ctx context.Context) Summary {
	start := c.now()
	c.logger.Info("Starting delay collection",
		"interval", c.cfg.Interval,
		"duration", c.cfg.Duration,
		"trip_updates_url", c.cfg.TripUpdatesURL,
		"vehicle_positions_url", c.cfg.VehiclePositionsURL)

	for {
		if ctx.Err() != nil {
			c.logger.Info("Collection stopped by signal")
			break
		}
		if c.cfg.Duration > 0 && c.now().Sub(start) >= c.cfg.Duration {
			c.logger.Info("Collection duration reached", "duration", c.cfg.Duration)
			break
		}

		cycleStart := c.now()
		_, err := c.RunCycle(context.WithoutCancel(ctx))
		elapsed := c.now().Sub(cycleStart)

		wait, backoff := c.afterCycle(ctx, err, elapsed)
		if wait <= 0 {
			continue
		}
		if backoff {
			c.logger.Warn("Backing off", "sleep", wait, "consecutive_failures", c.ConsecutiveFailures())
		} else {
			c.logger.Info("Next collection scheduled", "sleep", wait, "total_collections", c.Collections())
		}
		if err := c.sleep(ctx, wait); err != nil {
			c.logger.Debug("Sleep interrupted", "error", err)
		}
	}

	c.setState(StateStopped)
	summary := c.summary(c.now().Sub(start))
	c.logger.Info("Collection finished",
		"total_collections", summary.Collections,
		"failed_cycles", summary.FailedCycles,
		"total_observations", summary.Observations,
		"file_size_mb", fmt.Sprintf("%.2f", float64(summary.OutputBytes)/1024/1024),
		"elapsed", summary.Elapsed)
	return summary
}

// RunCycle fetches both feeds, computes delays and appends them to the store.
// It fails when either feed is unavailable or the store rejects the batch.
func (c *Collector) RunCycle(ctx context.Context) (int, error) {
	c.setState(StateFetching)
	start := c.now()
	if c.metrics != nil {
		defer func() { c.metrics.CycleDuration.Observe(c.now().Sub(start).Seconds()) }()
	}

	pair, err := c.feeds.FetchPair(ctx, c.cfg.TripUpdatesURL, c.cfg.VehiclePositionsURL)
	if err != nil {
		return 0, fmt.Errorf("fetching feeds: %w", err)
	}

	observations, stats := delay.Compute(pair.TripUpdates, pair.VehiclePositions, c.schedule, c.localNow())
	c.logger.Debug("Computed delays",
		"trip_updates", stats.TripUpdates,
		"trips_without_vehicle", stats.TripsWithoutVehicle,
		"stop_time_updates", stats.StopTimeUpdates,
		"no_actual_time", stats.NoActualTime,
		"no_scheduled_time", stats.NoScheduledTime,
		"out_of_window", stats.OutOfWindow)
	c.recordDrops(stats)

	if err := c.store.Append(ctx, observations); err != nil {
		return 0, fmt.Errorf("storing %d observations: %w", len(observations), err)
	}

	c.mu.Lock()
	c.observations += len(observations)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.Observations.Add(float64(len(observations)))
	}

	c.logger.Info("Calculated delay observations", "count", len(observations))
	return len(observations), nil
}

func (c *Collector) afterCycle(ctx context.Context, cycleErr error, elapsed time.Duration) (time.Duration, bool) {
	c.mu.Lock()
	previousFailures := c.consecutiveFailures
	if cycleErr != nil {
		c.consecutiveFailures++
		c.failedCycles++
	} else {
		c.consecutiveFailures = 0
		c.collections++
	}
	failures := c.consecutiveFailures
	c.mu.Unlock()

	wait, backoff := NextSleep(c.cfg.Interval, elapsed, failures)
	if backoff {
		c.setState(StateBackoff)
	} else {
		c.setState(StateSleeping)
	}

	if cycleErr != nil {
		c.logger.Error("Collection failed", "consecutive_failures", failures, "error", cycleErr)
	}

	if c.metrics != nil {
		result := "success"
		if cycleErr != nil {
			result = "failure"
		} else {
			c.metrics.LastSuccess.Set(float64(c.now().Unix()))
		}
		c.metrics.Cycles.WithLabelValues(result).Inc()
		c.metrics.ConsecutiveFailures.Set(float64(failures))
		if backoff {
			c.metrics.BackoffSeconds.Set(wait.Seconds())
		} else {
			c.metrics.BackoffSeconds.Set(0)
		}
		if c.sizer != nil {
			if size, err := c.sizer.Size(); err == nil {
				c.metrics.OutputBytes.Set(float64(size))
			}
		}
	}

	if c.notifier != nil {
		switch {
		case failures == BackoffThreshold:
			if err := c.notifier.NotifyBackoff(ctx, failures, wait, cycleErr); err != nil {
				c.logger.Warn("Failed to send backoff alert", "error", err)
			}
		case cycleErr == nil && previousFailures >= BackoffThreshold:
			if err := c.notifier.NotifyRecovered(ctx, previousFailures); err != nil {
				c.logger.Warn("Failed to send recovery alert", "error", err)
			}
		}
	}

	return wait, backoff
}

func (c *Collector) recordDrops(stats delay.Stats) {
	if c.metrics == nil {
		return
	}
	c.metrics.Dropped.WithLabelValues("no_vehicle").Add(float64(stats.TripsWithoutVehicle))
	c.metrics.Dropped.WithLabelValues("no_actual_time").Add(float64(stats.NoActualTime))
	c.metrics.Dropped.WithLabelValues("no_schedule").Add(float64(stats.NoScheduledTime))
	c.metrics.Dropped.WithLabelValues("out_of_window").Add(float64(stats.OutOfWindow))
}

func (c *Collector) summary(elapsed time.Duration) Summary {
	c.mu.RLock()
	s := Summary{
		Collections:       c.collections,
		FailedCycles:      c.failedCycles,
		Observations:      c.observations,
		ConsecutiveErrors: c.consecutiveFailures,
		Elapsed:           elapsed,
	}
	c.mu.RUnlock()

	if c.sizer != nil {
		size, err := c.sizer.Size()
		if err != nil {
			c.logger.Warn("Could not stat output file", "error", err)
		}
		s.OutputBytes = size
	}
	return s
}

func (c *Collector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Collector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Collector) ConsecutiveFailures() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consecutiveFailures
}

func (c *Collector) Collections() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collections
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ FeedSource = (*consumer.Consumer)(nil)
