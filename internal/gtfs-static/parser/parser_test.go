package parser

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/pkg/gtfs-static/models"
)

func feedFS() fstest.MapFS {
	return fstest.MapFS{
		"routes.txt": {Data: []byte("\ufeffroute_id,route_short_name,route_long_name,route_type\n" +
			"T1,1,Tram line 1,0\n" +
			"B15,15,,3\n")},
		"trips.txt": {Data: []byte("route_id,service_id,trip_id\n" +
			"T1,WK,trip-a\n" +
			"B15,WE,trip-b\n")},
		"stop_times.txt": {Data: []byte("trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
			"trip-a,08:00:00,08:00:30,S1,1\n" +
			"trip-a, 25:30:00 ,25:30:00,S2,2\n" +
			"trip-b,,09:00:00,S9,1\n")},
	}
}

func TestParseFSInvokesCallbacksInOrder(t *testing.T) {
	p := New(logger.Nop())

	var routes []*models.Route
	var trips []*models.Trip
	var stopTimes []*models.StopTime
	var completed []string

	err := p.ParseFS(context.Background(), feedFS(), ParseCallbacks{
		OnRoute:    func(r *models.Route) error { routes = append(routes, r); return nil },
		OnTrip:     func(tr *models.Trip) error { trips = append(trips, tr); return nil },
		OnStopTime: func(st *models.StopTime) error { stopTimes = append(stopTimes, st); return nil },
		OnFileComplete: func(name string, _ int) error {
			completed = append(completed, name)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, RequiredFiles, completed)
	require.Len(t, routes, 2)
	assert.Equal(t, "T1", routes[0].RouteID)
	assert.Equal(t, 0, routes[0].RouteType)
	assert.Equal(t, "15", routes[1].DisplayName())

	require.Len(t, trips, 2)
	assert.Equal(t, "WE", trips[1].ServiceID)

	require.Len(t, stopTimes, 3)
	assert.Equal(t, "25:30:00", stopTimes[1].ArrivalTime)
	assert.Equal(t, 2, stopTimes[1].StopSequence)
	assert.Equal(t, "", stopTimes[2].ArrivalTime)
}

func TestParseFSMissingFile(t *testing.T) {
	fsys := feedFS()
	delete(fsys, "stop_times.txt")

	err := New(logger.Nop()).ParseFS(context.Background(), fsys, ParseCallbacks{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingFile))
	assert.Contains(t, err.Error(), "stop_times.txt")
}

func TestParseFSInvalidRouteType(t *testing.T) {
	fsys := feedFS()
	fsys["routes.txt"] = &fstest.MapFile{Data: []byte("route_id,route_type\nX,tram\n")}

	err := New(logger.Nop()).ParseFS(context.Background(), fsys, ParseCallbacks{
		OnRoute: func(*models.Route) error { return nil },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routes.txt")
}

func TestParseFSMissingColumn(t *testing.T) {
	fsys := feedFS()
	fsys["trips.txt"] = &fstest.MapFile{Data: []byte("trip_id,service_id\nt,WK\n")}

	err := New(logger.Nop()).ParseFS(context.Background(), fsys, ParseCallbacks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing column "route_id"`)
}

func TestParseCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(logger.Nop()).ParseFS(ctx, feedFS(), ParseCallbacks{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseDirectoryAndZip(t *testing.T) {
	dir := t.TempDir()
	for name, f := range feedFS() {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), f.Data, 0o644))
	}

	zipPath := filepath.Join(t.TempDir(), "gtfs.zip")
	out, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	for name, f := range feedFS() {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(f.Data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())

	for _, source := range []string{dir, zipPath} {
		count := 0
		err := New(logger.Nop()).Parse(context.Background(), source, ParseCallbacks{
			OnStopTime: func(*models.StopTime) error { count++; return nil },
		})
		require.NoError(t, err, source)
		assert.Equal(t, 3, count, source)
	}

	err = New(logger.Nop()).Parse(context.Background(), filepath.Join(dir, "nope"), ParseCallbacks{})
	assert.Error(t, err)
}
