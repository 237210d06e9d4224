package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/transitdelay-data/internal/common/logger"
)

type HTTPDownloader struct {
	client *http.Client
	logger logger.Logger
}

func NewHTTPDownloader(logger logger.Logger) *HTTPDownloader {
	return &HTTPDownloader{
		client: &http.Client{
			Timeout: 5 * time.Minute, // full network archives can be large
		},
		logger: logger,
	}
}

// Download writes url to destPath through a temp file in the same directory,
// so a failed transfer never replaces an existing archive.
func (d *HTTPDownloader) Download(ctx context.Context, url string, destPath string) (int64, error) {
	destDir := filepath.Dir(destPath)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("creating destination directory: %w", err)
	}

	tempFile, err := os.CreateTemp(destDir, "gtfs_download_*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath)

	d.logger.Info("Starting download", "url", url, "dest", destPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		tempFile.Close()
		return 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		tempFile.Close()
		return 0, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		tempFile.Close()
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	pw := &progressWriter{w: tempFile, total: resp.ContentLength, logger: d.logger, lastLog: time.Now()}
	written, err := io.Copy(pw, resp.Body)
	if closeErr := tempFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, fmt.Errorf("downloading file: %w", err)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		return written, fmt.Errorf("moving file to destination: %w", err)
	}

	d.logger.Info("Download completed", "url", url, "dest", destPath, "size_bytes", written)
	return written, nil
}

// progressWriter logs transfer progress at most every five seconds.
type progressWriter struct {
	w       io.Writer
	total   int64
	written int64
	logger  logger.Logger
	lastLog time.Time
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.total > 0 && time.Since(p.lastLog) > 5*time.Second {
		p.logger.Debug("Download progress",
			"progress_percent", fmt.Sprintf("%.1f", float64(p.written)/float64(p.total)*100),
			"bytes_downloaded", p.written,
			"total_bytes", p.total)
		p.lastLog = time.Now()
	}
	return n, err
}
