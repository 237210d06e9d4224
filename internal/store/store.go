// Package store persists delay observations. The CSV log is the primary
// record; other sinks mirror it on a best-effort basis.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/pkg/gtfs-realtime/models"
)

// Store appends one cycle's batch of observations.
type Store interface {
	Append(ctx context.Context, observations []models.DelayObservation) error
	Close() error
}

// MultiStore writes every batch to a primary store and then to each mirror.
type MultiStore struct {
	primary Store
	mirrors []Store
	logger  logger.Logger
}

func NewMultiStore(log logger.Logger, primary Store, mirrors ...Store) *MultiStore {
	return &MultiStore{
		primary: primary,
		mirrors: mirrors,
		logger:  log,
	}
}

// Append fails only when the primary store fails. Mirror errors are logged
// and the batch is not retried.
func (m *MultiStore) Append(ctx context.Context, observations []models.DelayObservation) error {
	if err := m.primary.Append(ctx, observations); err != nil {
		return fmt.Errorf("primary store: %w", err)
	}
	for _, mirror := range m.mirrors {
		if err := mirror.Append(ctx, observations); err != nil {
			m.logger.Warn("Mirror store append failed",
				"store", fmt.Sprintf("%T", mirror),
				"observations", len(observations),
				"error", err)
		}
	}
	return nil
}

func (m *MultiStore) Close() error {
	errs := []error{m.primary.Close()}
	for _, mirror := range m.mirrors {
		errs = append(errs, mirror.Close())
	}
	return errors.Join(errs...)
}
