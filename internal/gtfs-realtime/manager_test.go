package gtfs_realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/transitdelay-data/internal/common/config"
	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/internal/common/metrics"
	"github.com/transitdelay-data/internal/gtfs-realtime/delay"
	"github.com/transitdelay-data/internal/gtfs-static/schedule"
	"github.com/transitdelay-data/internal/store"
	static "github.com/transitdelay-data/pkg/gtfs-static/models"
)

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	scheduled := delay.ScheduledAt(time.Now(), "08:00:00")

	tu, err := proto.Marshal(&gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfsrt.FeedEntity{{
			Id: proto.String("1"),
			TripUpdate: &gtfsrt.TripUpdate{
				Trip: &gtfsrt.TripDescriptor{TripId: proto.String("trip-a"), RouteId: proto.String("T1")},
				StopTimeUpdate: []*gtfsrt.TripUpdate_StopTimeUpdate{{
					StopId:  proto.String("S1"),
					Arrival: &gtfsrt.TripUpdate_StopTimeEvent{Time: proto.Int64(scheduled + 90)},
				}},
			},
		}},
	})
	require.NoError(t, err)

	vp, err := proto.Marshal(&gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfsrt.FeedEntity{{
			Id: proto.String("v"),
			Vehicle: &gtfsrt.VehiclePosition{
				Trip:     &gtfsrt.TripDescriptor{TripId: proto.String("trip-a")},
				Vehicle:  &gtfsrt.VehicleDescriptor{Id: proto.String("V1")},
				Position: &gtfsrt.Position{Latitude: proto.Float32(43.7), Longitude: proto.Float32(7.2)},
			},
		}},
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/trip-updates", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(tu) })
	mux.HandleFunc("/vehicle-positions", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(vp) })
	return httptest.NewServer(mux)
}

func testConfig(baseURL, outputCSV string) *config.Config {
	return &config.Config{
		GTFSRealtime: config.GTFSRealtimeConfig{
			TripUpdatesURL:      baseURL + "/trip-updates",
			VehiclePositionsURL: baseURL + "/vehicle-positions",
			Timeout:             time.Second,
		},
		Collector: config.CollectorConfig{
			Interval:  20 * time.Millisecond,
			Duration:  50 * time.Millisecond,
			OutputCSV: outputCSV,
		},
		Location: time.Local,
	}
}

func testTable() *schedule.Table {
	return schedule.NewTable(
		[]static.Route{{RouteID: "T1", RouteType: static.RouteTypeTram}},
		[]static.Trip{{TripID: "trip-a", RouteID: "T1"}},
		[]static.StopTime{{TripID: "trip-a", StopID: "S1", StopSequence: 1, ArrivalTime: "08:00:00"}},
	)
}

func TestManagerRunsUntilDurationElapses(t *testing.T) {
	srv := feedServer(t)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "delays.csv")
	csvStore := store.NewCSVStore(path, logger.Nop())
	m := metrics.NewCollector(20 * time.Millisecond)

	mgr := NewManager(testConfig(srv.URL, path), testTable(), csvStore, csvStore, m, logger.Nop())
	require.NoError(t, mgr.Start(context.Background()))
	assert.Error(t, mgr.Start(context.Background()), "second start is rejected")

	select {
	case <-mgr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop after its duration")
	}
	assert.False(t, mgr.IsRunning())

	summary := mgr.Stop()
	assert.GreaterOrEqual(t, summary.Collections, 1)
	assert.Equal(t, summary.Collections, summary.Observations)
	assert.Positive(t, summary.OutputBytes)

	size, err := csvStore.Size()
	require.NoError(t, err)
	assert.Equal(t, size, summary.OutputBytes)
	assert.Equal(t, float64(summary.Collections), testutil.ToFloat64(m.Cycles.WithLabelValues("success")))
}

func TestManagerStopCancelsLoop(t *testing.T) {
	srv := feedServer(t)
	defer srv.Close()

	cfg := testConfig(srv.URL, filepath.Join(t.TempDir(), "delays.csv"))
	cfg.Collector.Interval = time.Hour
	cfg.Collector.Duration = 0
	csvStore := store.NewCSVStore(cfg.Collector.OutputCSV, logger.Nop())

	mgr := NewManager(cfg, testTable(), csvStore, csvStore, nil, logger.Nop())
	require.NoError(t, mgr.Start(context.Background()))

	require.Eventually(t, func() bool { return mgr.Collector().Collections() == 1 }, 5*time.Second, 10*time.Millisecond)

	summary := mgr.Stop()
	assert.Equal(t, 1, summary.Collections)
	assert.False(t, mgr.IsRunning())
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("http://localhost", filepath.Join(t.TempDir(), "delays.csv"))
	cfg.Collector.Interval = 0

	mgr := NewManager(cfg, testTable(), store.NewCSVStore(cfg.Collector.OutputCSV, logger.Nop()), nil, nil, logger.Nop())
	err := mgr.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval")
	assert.Equal(t, 0, mgr.Stop().Collections)
}
