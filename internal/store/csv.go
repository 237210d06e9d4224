package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/pkg/gtfs-realtime/models"
)

// CSVStore appends observations to a delimited log with a fixed header.
// Rows are never rewritten or deduplicated.
type CSVStore struct {
	path   string
	logger logger.Logger
}

func NewCSVStore(path string, log logger.Logger) *CSVStore {
	return &CSVStore{path: path, logger: log}
}

func (s *CSVStore) Path() string {
	return s.path
}

// Append writes the header first when the file is new or empty, then the batch.
// An empty batch does not touch the file.
func (s *CSVStore) Append(ctx context.Context, observations []models.DelayObservation) error {
	if len(observations) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", s.path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(models.CSVHeader); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
	}
	for i := range observations {
		if err := w.Write(observations[i].Record()); err != nil {
			return fmt.Errorf("writing row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing %s: %w", s.path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", s.path, err)
	}

	s.logger.Debug("Appended observations", "path", s.path, "count", len(observations))
	return nil
}

// Size reports the current file size in bytes; a missing file is 0.
func (s *CSVStore) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *CSVStore) Close() error {
	return nil
}
