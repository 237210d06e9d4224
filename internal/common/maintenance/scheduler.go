package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/transitdelay-data/internal/common/db"
	"github.com/transitdelay-data/internal/common/logger"
)

// CleanupScheduler prunes the observation table on a fixed interval
type CleanupScheduler struct {
	maintenance *Maintenance
	logger      logger.Logger
	config      SchedulerConfig
	now         func() time.Time

	mu        sync.RWMutex
	isRunning bool
	cancelFn  context.CancelFunc
	done      chan struct{}
	lastRun   *PruneResult
	lastError error
}

type SchedulerConfig struct {
	Interval     time.Duration // time between prune passes
	InitialDelay time.Duration // first pass runs this long after Start
	Retention    time.Duration // rows older than this are deleted
	BatchSize    int           // rows deleted per statement
	Vacuum       bool          // run VACUUM ANALYZE after a pass that deleted rows
}

func DefaultSchedulerConfig(retention time.Duration) SchedulerConfig {
	return SchedulerConfig{
		Interval:     24 * time.Hour,
		InitialDelay: time.Minute,
		Retention:    retention,
		BatchSize:    5000,
		Vacuum:       true,
	}
}

func NewCleanupScheduler(database *db.DB, table string, logger logger.Logger, config SchedulerConfig) *CleanupScheduler {
	return &CleanupScheduler{
		maintenance: New(database, table, logger),
		logger:      logger,
		config:      config,
		now:         time.Now,
	}
}

func (s *CleanupScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("cleanup scheduler is already running")
	}
	if s.config.Interval <= 0 || s.config.Retention <= 0 {
		return fmt.Errorf("cleanup scheduler needs a positive interval and retention")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.done = make(chan struct{})
	s.isRunning = true

	s.logger.Info("Starting cleanup scheduler",
		"interval", s.config.Interval,
		"retention", s.config.Retention,
		"batch_size", s.config.BatchSize)

	go s.cleanupLoop(ctx, s.done)
	return nil
}

// Stop cancels the loop and waits for a pass in progress to return.
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.logger.Info("Stopping cleanup scheduler")
	s.cancelFn()
	done := s.done
	s.isRunning = false
	s.mu.Unlock()

	<-done
	s.logger.Info("Cleanup scheduler stopped")
}

func (s *CleanupScheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *CleanupScheduler) cleanupLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	initialDelay := time.NewTimer(s.config.InitialDelay)
	defer initialDelay.Stop()
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Cleanup loop stopping")
			return
		case <-initialDelay.C:
			s.performCleanup(ctx)
		case <-ticker.C:
			s.performCleanup(ctx)
		}
	}
}

func (s *CleanupScheduler) performCleanup(ctx context.Context) {
	if _, err := s.TriggerCleanup(ctx); err != nil {
		s.logger.Error("Scheduled cleanup failed", "error", err)
	}
}

// TriggerCleanup runs one prune pass immediately.
func (s *CleanupScheduler) TriggerCleanup(ctx context.Context) (PruneResult, error) {
	cutoff := s.now().Add(-s.config.Retention)
	result, err := s.maintenance.PruneObservations(ctx, cutoff, s.config.BatchSize)

	s.mu.Lock()
	s.lastRun = &result
	s.lastError = err
	s.mu.Unlock()

	if err != nil {
		return result, err
	}
	if s.config.Vacuum && result.RecordsDeleted > 0 {
		if err := s.maintenance.Vacuum(ctx); err != nil {
			s.logger.Warn("Failed to vacuum after cleanup", "error", err)
		}
	}
	return result, nil
}

// GetStatus returns the current status of the cleanup scheduler
func (s *CleanupScheduler) GetStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := map[string]interface{}{
		"is_running": s.isRunning,
		"interval":   s.config.Interval.String(),
		"retention":  s.config.Retention.String(),
		"batch_size": s.config.BatchSize,
	}
	if s.lastRun != nil {
		status["last_cutoff"] = s.lastRun.Cutoff
		status["last_records_deleted"] = s.lastRun.RecordsDeleted
	}
	if s.lastError != nil {
		status["last_error"] = s.lastError.Error()
	}
	return status
}
