// Package scraper keeps a local copy of the static GTFS archive in step with
// its published URL.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/transitdelay-data/internal/common/logger"
)

// ArchiveName is the file the archive is stored under inside the static directory.
const ArchiveName = "gtfs_static.zip"

type Config struct {
	URL string
	Dir string
}

// Refresher downloads the archive when the remote copy is newer than the local one.
type Refresher struct {
	config          Config
	metadataFetcher MetadataFetcher
	downloader      Downloader
	logger          logger.Logger
}

func NewRefresher(config Config, logger logger.Logger) *Refresher {
	return NewRefresherWith(config, logger, NewHTTPMetadataFetcher(logger), NewHTTPDownloader(logger))
}

func NewRefresherWith(config Config, logger logger.Logger, fetcher MetadataFetcher, downloader Downloader) *Refresher {
	return &Refresher{
		config:          config,
		metadataFetcher: fetcher,
		downloader:      downloader,
		logger:          logger,
	}
}

func (r *Refresher) ArchivePath() string {
	return filepath.Join(r.config.Dir, ArchiveName)
}

// Refresh returns the path of an up to date archive and whether it was
// downloaded. When the remote side fails an existing local archive is used
// as is; without one the error is returned.
func (r *Refresher) Refresh(ctx context.Context) (string, bool, error) {
	path := r.ArchivePath()

	var localModTime time.Time
	info, err := os.Stat(path)
	haveLocal := err == nil
	if haveLocal {
		localModTime = info.ModTime()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", false, fmt.Errorf("checking local archive: %w", err)
	}

	fallback := func(cause error) (string, bool, error) {
		if haveLocal {
			r.logger.Warn("Static GTFS refresh failed, using local archive",
				"path", path,
				"local_modified", localModTime,
				"error", cause)
			return path, false, nil
		}
		return "", false, cause
	}

	meta, err := r.metadataFetcher.FetchMetadata(ctx, r.config.URL)
	if err != nil {
		return fallback(fmt.Errorf("fetching metadata: %w", err))
	}

	if haveLocal && !meta.NewerThan(localModTime) {
		r.logger.Info("Static GTFS archive is current",
			"path", path,
			"last_modified", meta.LastModified)
		return path, false, nil
	}

	r.logger.Info("Downloading static GTFS archive",
		"url", r.config.URL,
		"last_modified", meta.LastModified,
		"have_local", haveLocal)

	if _, err := r.downloader.Download(ctx, r.config.URL, path); err != nil {
		return fallback(err)
	}

	// stamp the file so the next start can compare against the remote date
	if !meta.LastModified.IsZero() {
		if err := os.Chtimes(path, meta.LastModified, meta.LastModified); err != nil {
			r.logger.Warn("Failed to stamp archive modification time", "path", path, "error", err)
		}
	}
	return path, true, nil
}
