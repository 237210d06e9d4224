package scraper

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/pkg/gtfs-static/models"
)

const httpTimeout = 30 * time.Second

// HTTPMetadataFetcher reads archive metadata with a HEAD request.
type HTTPMetadataFetcher struct {
	client *http.Client
	logger logger.Logger
}

func NewHTTPMetadataFetcher(logger logger.Logger) *HTTPMetadataFetcher {
	return &HTTPMetadataFetcher{
		client: &http.Client{Timeout: httpTimeout},
		logger: logger,
	}
}

func (f *HTTPMetadataFetcher) FetchMetadata(ctx context.Context, url string) (*models.ArchiveMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing HEAD %s: %w", url, err)
	}
	resp.Body.Close()

	// Some static hosts refuse HEAD; treat the archive as undated so it is fetched.
	if resp.StatusCode == http.StatusMethodNotAllowed {
		f.logger.Debug("HEAD not allowed, archive date unknown", "url", url)
		return &models.ArchiveMetadata{URL: url}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HEAD %s returned status %d", url, resp.StatusCode)
	}

	meta := &models.ArchiveMetadata{
		URL:           url,
		ETag:          resp.Header.Get("ETag"),
		ContentLength: resp.ContentLength,
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			meta.LastModified = t
		} else {
			f.logger.Warn("Unparsable Last-Modified header", "url", url, "value", lm)
		}
	}

	f.logger.Debug("Archive metadata fetched",
		"url", url,
		"last_modified", meta.LastModified,
		"size_bytes", meta.ContentLength)
	return meta, nil
}
