package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitdelay-data/internal/aggregate"
	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/internal/common/metrics"
	static "github.com/transitdelay-data/pkg/gtfs-static/models"
)

func testRow(routeID, vehicleID string, routeType, hour int, delayMinutes float64) aggregate.Row {
	return aggregate.Row{
		Timestamp:    time.Date(2024, 3, 5, hour, 0, 0, 0, time.UTC),
		RouteID:      routeID,
		RouteType:    routeType,
		Kind:         static.KindFromRouteType(routeType),
		VehicleID:    vehicleID,
		DelaySeconds: delayMinutes * 60,
		DelayMinutes: delayMinutes,
		Latitude:     43.7,
		Longitude:    7.25,
		Hour:         hour,
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *metrics.APIMetrics) {
	t.Helper()
	cache := aggregate.New([]aggregate.Row{
		testRow("T1", "V1", 0, 8, 1),
		testRow("T1", "V1", 0, 8, 3),
		testRow("B15", "V2", 3, 8, 6),
		testRow("B15", "V2", 3, 9, 4),
	}, aggregate.Options{}, logger.Nop())

	m := metrics.NewAPIMetrics()
	srv := httptest.NewServer(NewServer(cache, m, logger.Nop()).Router())
	t.Cleanup(srv.Close)
	return srv, m
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestSummaryAndHealth(t *testing.T) {
	srv, m := newTestServer(t)

	var health map[string]interface{}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(4), health["observations"])

	var summary aggregate.Summary
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/summary", &summary))
	assert.Equal(t, 4, summary.TotalObs)
	assert.Equal(t, 2, summary.UniqueLines)

	assert.Equal(t, float64(4), testutil.ToFloat64(m.Rows))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Requests.WithLabelValues("/api/summary", "200")))
}

func TestLines(t *testing.T) {
	srv, _ := newTestServer(t)

	var lines []aggregate.LineStat
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/lines?min_obs=2", &lines))
	require.Len(t, lines, 2)
	assert.Equal(t, "B15", lines[0].RouteID)

	lines = nil
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/lines", &lines))
	assert.Empty(t, lines, "default threshold is above the fixture size")

	var apiErr map[string]string
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/lines?min_obs=many", &apiErr))
	assert.Contains(t, apiErr["error"], "min_obs")
}

func TestHourlyFilters(t *testing.T) {
	srv, _ := newTestServer(t)

	var hours []aggregate.HourStat
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/hourly?kinds=bus&hours=8,9", &hours))
	require.Len(t, hours, 2)
	assert.Equal(t, 6.0, hours[0].MeanDelay)

	hours = nil
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/hourly?kinds=Tram&kinds=Bus&hours=8", &hours))
	require.Len(t, hours, 1)
	assert.Equal(t, 3, hours[0].Count)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/hourly?hours=25", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/hourly?kinds=ferry", nil))
}

func TestHeatmap(t *testing.T) {
	srv, _ := newTestServer(t)

	var hm aggregate.HeatmapData
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/heatmap?top=5", &hm))
	assert.Equal(t, []string{"B15", "T1"}, hm.Routes)
	assert.Equal(t, []int{8, 9}, hm.Hours)
	assert.Nil(t, hm.Values[1][1])
}

func TestTransportAndGeo(t *testing.T) {
	srv, _ := newTestServer(t)

	var cmp []aggregate.KindStat
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/transport", &cmp))
	require.Len(t, cmp, 2)
	assert.Equal(t, static.KindBus, cmp[0].Kind)

	var points []aggregate.GeoPoint
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/geo?kinds=tram", &points))
	assert.Len(t, points, 2)
}

func TestHistogram(t *testing.T) {
	srv, m := newTestServer(t)

	var h aggregate.Histogram
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/histogram/tram", &h))
	assert.Equal(t, static.KindTram, h.Kind)
	assert.Len(t, h.Counts, aggregate.HistogramBins)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/histogram/other", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/histogram/ferry", nil))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Requests.WithLabelValues("/api/histogram/{kind}", "404")))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	getJSON(t, srv.URL+"/api/summary", nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "delayapi_cached_rows 4")
}
