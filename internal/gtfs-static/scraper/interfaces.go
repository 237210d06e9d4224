package scraper

import (
	"context"

	"github.com/transitdelay-data/pkg/gtfs-static/models"
)

type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, url string) (*models.ArchiveMetadata, error)
}

type Downloader interface {
	Download(ctx context.Context, url string, destPath string) (int64, error)
}
