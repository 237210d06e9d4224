package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/transitdelay-data/internal/common/db"
	"github.com/transitdelay-data/internal/common/logger"
)

// PruneResult summarises one retention pass over the observation table
type PruneResult struct {
	Cutoff         time.Time
	RecordsDeleted int64
	Batches        int
	Duration       time.Duration
}

// Maintenance handles retention and housekeeping of the mirrored observation table
type Maintenance struct {
	db     *db.DB
	table  string
	logger logger.Logger
}

func New(database *db.DB, table string, logger logger.Logger) *Maintenance {
	return &Maintenance{
		db:     database,
		table:  table,
		logger: logger,
	}
}

// PruneObservations deletes rows observed before cutoff, at most batchSize rows per statement.
func (m *Maintenance) PruneObservations(ctx context.Context, cutoff time.Time, batchSize int) (PruneResult, error) {
	if batchSize <= 0 {
		return PruneResult{}, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	m.logger.Info("Starting batched prune of old observations",
		"table", m.table,
		"cutoff", cutoff,
		"batch_size", batchSize)

	table := pq.QuoteIdentifier(m.table)
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT id FROM %s WHERE observed_at < $1 ORDER BY id LIMIT $2
		)`, table, table)

	result := PruneResult{Cutoff: cutoff}
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batchStart := time.Now()
		res, err := m.db.DB().ExecContext(ctx, query, cutoff, batchSize)
		if err != nil {
			return result, fmt.Errorf("deleting batch %d: %w", result.Batches+1, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return result, fmt.Errorf("counting deleted rows: %w", err)
		}
		if n == 0 {
			break
		}

		result.Batches++
		result.RecordsDeleted += n
		m.logger.Debug("Processed batch",
			"table", m.table,
			"batch", result.Batches,
			"records_deleted", n,
			"duration", time.Since(batchStart))

		if n < int64(batchSize) {
			break
		}
	}
	result.Duration = time.Since(start)

	m.logger.Info("Batched prune completed",
		"table", m.table,
		"total_records_deleted", result.RecordsDeleted,
		"total_batches", result.Batches,
		"duration", result.Duration)
	return result, nil
}

// Vacuum runs VACUUM ANALYZE on the table (must be called outside a transaction)
func (m *Maintenance) Vacuum(ctx context.Context) error {
	m.logger.Info("Starting VACUUM ANALYZE", "table", m.table)

	start := time.Now()
	if _, err := m.db.DB().ExecContext(ctx, "VACUUM ANALYZE "+pq.QuoteIdentifier(m.table)); err != nil {
		return fmt.Errorf("vacuuming %s: %w", m.table, err)
	}

	m.logger.Info("VACUUM ANALYZE completed", "table", m.table, "duration", time.Since(start))
	return nil
}

// CountObservations returns the number of mirrored rows.
func (m *Maintenance) CountObservations(ctx context.Context) (int64, error) {
	var n int64
	err := m.db.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+pq.QuoteIdentifier(m.table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting rows in %s: %w", m.table, err)
	}
	return n, nil
}
