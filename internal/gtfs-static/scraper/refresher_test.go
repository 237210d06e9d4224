package scraper

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitdelay-data/internal/common/logger"
)

func archiveBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("routes.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("route_id,route_short_name,route_long_name,route_type\nT1,1,Tram 1,0\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type archiveServer struct {
	*httptest.Server
	gets         atomic.Int32
	lastModified atomic.Value // time.Time
	failing      atomic.Bool
}

func newArchiveServer(t *testing.T, body []byte, lastModified time.Time) *archiveServer {
	t.Helper()
	s := &archiveServer{}
	s.lastModified.Store(lastModified)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Last-Modified", s.lastModified.Load().(time.Time).UTC().Format(http.TimeFormat))
		if r.Method == http.MethodGet {
			s.gets.Add(1)
			_, _ = w.Write(body)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func TestRefreshDownloadsOnlyWhenNewer(t *testing.T) {
	body := archiveBytes(t)
	published := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	srv := newArchiveServer(t, body, published)
	dir := t.TempDir()
	r := NewRefresher(Config{URL: srv.URL + "/gtfs.zip", Dir: dir}, logger.Nop())

	path, updated, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, filepath.Join(dir, ArchiveName), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(published))

	_, updated, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, int32(1), srv.gets.Load())

	srv.lastModified.Store(published.Add(24 * time.Hour))
	_, updated, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, int32(2), srv.gets.Load())
}

func TestRefreshFallsBackToLocalArchive(t *testing.T) {
	srv := newArchiveServer(t, archiveBytes(t), time.Now())
	dir := t.TempDir()
	r := NewRefresher(Config{URL: srv.URL, Dir: dir}, logger.Nop())

	srv.failing.Store(true)
	_, _, err := r.Refresh(context.Background())
	require.Error(t, err, "no local archive to fall back on")

	require.NoError(t, os.WriteFile(r.ArchivePath(), []byte("old"), 0o644))
	path, updated, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, r.ArchivePath(), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
}

func TestDownloadFailureKeepsExistingArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, ArchiveName)
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))

	_, err := NewHTTPDownloader(logger.Nop()).Download(context.Background(), srv.URL, dest)
	require.Error(t, err)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))

	meta, err := NewHTTPMetadataFetcher(logger.Nop()).FetchMetadata(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, meta.LastModified.IsZero())
	assert.True(t, meta.NewerThan(time.Now()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file is removed")
}
