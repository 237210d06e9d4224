package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/transitdelay-data/internal/common/db"
	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/pkg/gtfs-realtime/models"
)

var observationColumns = []string{
	"observed_at", "trip_id", "route_id", "route_type", "vehicle_id", "stop_id",
	"scheduled_time", "actual_time", "delay_seconds", "latitude", "longitude",
}

// PostgresStore mirrors observation batches into a table using COPY.
type PostgresStore struct {
	db     *db.DB
	table  string
	logger logger.Logger
}

func NewPostgresStore(database *db.DB, table string, log logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:     database,
		table:  table,
		logger: log,
	}
}

// EnsureSchema creates the observation table and its lookup index if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	table := pq.QuoteIdentifier(s.table)
	index := pq.QuoteIdentifier(s.table + "_route_observed_idx")

	_, err := s.db.DB().ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id             BIGSERIAL PRIMARY KEY,
			observed_at    TIMESTAMPTZ NOT NULL,
			trip_id        TEXT NOT NULL,
			route_id       TEXT NOT NULL,
			route_type     INTEGER NOT NULL,
			vehicle_id     TEXT NOT NULL,
			stop_id        TEXT NOT NULL,
			scheduled_time BIGINT NOT NULL,
			actual_time    BIGINT NOT NULL,
			delay_seconds  INTEGER NOT NULL,
			latitude       DOUBLE PRECISION NOT NULL,
			longitude      DOUBLE PRECISION NOT NULL
		)`, table))
	if err != nil {
		return fmt.Errorf("creating table %s: %w", s.table, err)
	}

	_, err = s.db.DB().ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s (route_id, observed_at)`, index, table))
	if err != nil {
		return fmt.Errorf("creating index on %s: %w", s.table, err)
	}

	s.logger.Info("Observation table ready", "table", s.table)
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, observations []models.DelayObservation) error {
	if len(observations) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(s.table, observationColumns...))
	if err != nil {
		return fmt.Errorf("failed to prepare observation copy: %w", err)
	}
	defer stmt.Close()

	for i := range observations {
		o := &observations[i]
		_, err = stmt.ExecContext(ctx, o.Timestamp, o.TripID, o.RouteID, o.RouteType,
			o.VehicleID, o.StopID, o.ScheduledTime, o.ActualTime, o.DelaySeconds,
			o.Latitude, o.Longitude)
		if err != nil {
			return fmt.Errorf("failed to add observation to batch: %w", err)
		}
	}

	if _, err = stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to execute observation copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("Bulk inserted observations", "table", s.table, "count", len(observations))
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
