package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/internal/common/metrics"
	"github.com/transitdelay-data/internal/gtfs-realtime/consumer"
	"github.com/transitdelay-data/internal/gtfs-static/schedule"
	"github.com/transitdelay-data/pkg/gtfs-realtime/models"
	static "github.com/transitdelay-data/pkg/gtfs-static/models"
)

var errFeed = errors.New("feed unavailable")

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	f.mu.Unlock()
	return ctx.Err()
}

// scriptedFeeds replays one outcome per cycle; nil means a good feed pair.
type scriptedFeeds struct {
	outcomes []error
	calls    int
	pair     consumer.FeedPair
	onFetch  func(ctx context.Context)
}

func (s *scriptedFeeds) FetchPair(ctx context.Context, _, _ string) (consumer.FeedPair, error) {
	if s.onFetch != nil {
		s.onFetch(ctx)
	}
	var err error
	if s.calls < len(s.outcomes) {
		err = s.outcomes[s.calls]
	}
	s.calls++
	if err != nil {
		return consumer.FeedPair{}, err
	}
	return s.pair, nil
}

type memStore struct {
	rows    []models.DelayObservation
	err     error
	appends int
}

func (m *memStore) Append(_ context.Context, obs []models.DelayObservation) error {
	m.appends++
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, obs...)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) Size() (int64, error) { return int64(len(m.rows) * 100), nil }

type recordingNotifier struct {
	backoffs  []int
	recovered []int
}

func (r *recordingNotifier) NotifyBackoff(_ context.Context, failures int, _ time.Duration, _ error) error {
	r.backoffs = append(r.backoffs, failures)
	return nil
}

func (r *recordingNotifier) NotifyRecovered(_ context.Context, failures int) error {
	r.recovered = append(r.recovered, failures)
	return nil
}

var start = time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)

func goodPair() consumer.FeedPair {
	scheduled := start.Unix() // 08:00:00 on the same day
	return consumer.FeedPair{
		TripUpdates: &gtfsrt.FeedMessage{
			Header: &gtfsrt.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
			Entity: []*gtfsrt.FeedEntity{{
				Id: proto.String("1"),
				TripUpdate: &gtfsrt.TripUpdate{
					Trip: &gtfsrt.TripDescriptor{TripId: proto.String("trip-a"), RouteId: proto.String("T1")},
					StopTimeUpdate: []*gtfsrt.TripUpdate_StopTimeUpdate{{
						StopId:  proto.String("S1"),
						Arrival: &gtfsrt.TripUpdate_StopTimeEvent{Time: proto.Int64(scheduled + 120)},
					}},
				},
			}},
		},
		VehiclePositions: &gtfsrt.FeedMessage{
			Header: &gtfsrt.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
			Entity: []*gtfsrt.FeedEntity{{
				Id: proto.String("v"),
				Vehicle: &gtfsrt.VehiclePosition{
					Trip:     &gtfsrt.TripDescriptor{TripId: proto.String("trip-a")},
					Vehicle:  &gtfsrt.VehicleDescriptor{Id: proto.String("V7")},
					Position: &gtfsrt.Position{Latitude: proto.Float32(43.7), Longitude: proto.Float32(7.26)},
				},
			}},
		},
	}
}

func testTable() *schedule.Table {
	return schedule.NewTable(
		[]static.Route{{RouteID: "T1", RouteType: static.RouteTypeTram}},
		[]static.Trip{{TripID: "trip-a", RouteID: "T1"}},
		[]static.StopTime{{TripID: "trip-a", StopID: "S1", StopSequence: 1, ArrivalTime: "08:00:00"}},
	)
}

func TestNextSleep(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		elapsed  time.Duration
		failures int
		want     time.Duration
		backoff  bool
	}{
		{"success waits out the interval", time.Minute, 5 * time.Second, 0, 55 * time.Second, false},
		{"slow cycle does not sleep", time.Minute, 90 * time.Second, 0, 0, false},
		{"first failure keeps the normal schedule", time.Minute, 2 * time.Second, 1, 58 * time.Second, false},
		{"second failure keeps the normal schedule", time.Minute, 0, 2, time.Minute, false},
		{"third failure backs off", time.Minute, 2 * time.Second, 3, 3 * time.Minute, true},
		{"fourth failure backs off further", time.Minute, 0, 4, 4 * time.Minute, true},
		{"backoff is capped", time.Minute, 0, 6, MaxBackoff, true},
		{"long interval capped immediately", 2 * time.Minute, 0, 3, MaxBackoff, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, backoff := NextSleep(tt.interval, tt.elapsed, tt.failures)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.backoff, backoff)
		})
	}
}

func TestRunBacksOffAndRecovers(t *testing.T) {
	clock := &fakeClock{now: start}
	feeds := &scriptedFeeds{
		outcomes: []error{errFeed, errFeed, errFeed, errFeed, nil, errFeed},
		pair:     goodPair(),
	}
	st := &memStore{}
	notifier := &recordingNotifier{}
	m := metrics.NewCollector(time.Minute)

	c := New(Config{Interval: time.Minute, Duration: 10 * time.Minute}, feeds, testTable(), st, logger.Nop(),
		WithClock(clock.Now, clock.Sleep),
		WithNotifier(notifier),
		WithMetrics(m),
		WithSizer(st))

	summary := c.Run(context.Background())

	// 60 + 60 + 180 + 240 + 60 = 600s reaches the configured duration.
	assert.Equal(t, []time.Duration{
		time.Minute,
		time.Minute,
		3 * time.Minute,
		4 * time.Minute,
		time.Minute,
	}, clock.sleeps)
	assert.Equal(t, 5, feeds.calls)
	assert.Equal(t, 1, summary.Collections)
	assert.Equal(t, 4, summary.FailedCycles)
	assert.Equal(t, 1, summary.Observations)
	assert.Equal(t, int64(100), summary.OutputBytes)
	assert.Equal(t, StateStopped, c.State())

	require.Len(t, st.rows, 1)
	assert.Equal(t, int64(120), st.rows[0].DelaySeconds)

	assert.Equal(t, []int{3}, notifier.backoffs)
	assert.Equal(t, []int{4}, notifier.recovered)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.Cycles.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Observations))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConsecutiveFailures))
}

func TestFourthCycleSleepAfterThreeFailures(t *testing.T) {
	interval := 45 * time.Second
	clock := &fakeClock{now: start}
	feeds := &scriptedFeeds{outcomes: []error{errFeed, errFeed, errFeed}}

	c := New(Config{Interval: interval, Duration: 2*interval + 3*interval}, feeds, testTable(), &memStore{}, logger.Nop(),
		WithClock(clock.Now, clock.Sleep))
	c.Run(context.Background())

	require.Len(t, clock.sleeps, 3)
	assert.Equal(t, min(300*time.Second, interval*3), clock.sleeps[2])
	assert.Equal(t, 3, c.ConsecutiveFailures())
}

func TestStoreFailureCountsAsFailedCycle(t *testing.T) {
	clock := &fakeClock{now: start}
	feeds := &scriptedFeeds{pair: goodPair()}
	st := &memStore{err: errors.New("disk full")}

	c := New(Config{Interval: time.Minute, Duration: 3 * time.Minute}, feeds, testTable(), st, logger.Nop(),
		WithClock(clock.Now, clock.Sleep))
	summary := c.Run(context.Background())

	assert.Equal(t, 0, summary.Collections)
	assert.Equal(t, 3, summary.FailedCycles)
	assert.Equal(t, 0, summary.Observations)
}

func TestCancellationWaitsForCycleInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{now: start}
	var fetchCtxErr error
	feeds := &scriptedFeeds{
		pair: goodPair(),
		onFetch: func(fctx context.Context) {
			cancel()
			fetchCtxErr = fctx.Err()
		},
	}
	st := &memStore{}

	c := New(Config{Interval: time.Minute}, feeds, testTable(), st, logger.Nop(),
		WithClock(clock.Now, clock.Sleep))
	summary := c.Run(ctx)

	assert.NoError(t, fetchCtxErr, "the cycle context is detached from cancellation")
	assert.Equal(t, 1, feeds.calls)
	assert.Equal(t, 1, summary.Collections)
	assert.Len(t, st.rows, 1)
}

func TestCancelledBeforeStartRunsNoCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	feeds := &scriptedFeeds{}
	summary := New(Config{Interval: time.Minute}, feeds, testTable(), &memStore{}, logger.Nop()).Run(ctx)

	assert.Zero(t, feeds.calls)
	assert.Zero(t, summary.Collections)
}

func TestRunCycleWithEmptyResultSucceeds(t *testing.T) {
	feeds := &scriptedFeeds{pair: consumer.FeedPair{
		TripUpdates:      &gtfsrt.FeedMessage{},
		VehiclePositions: &gtfsrt.FeedMessage{},
	}}
	st := &memStore{}

	n, err := New(Config{Interval: time.Minute}, feeds, testTable(), st, logger.Nop()).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, st.appends)
}

func TestRunCycleUsesConfiguredLocation(t *testing.T) {
	cet := time.FixedZone("CET", 3600)
	table := schedule.NewTable(
		[]static.Route{{RouteID: "T1", RouteType: static.RouteTypeTram}},
		[]static.Trip{{TripID: "trip-a", RouteID: "T1"}},
		[]static.StopTime{{TripID: "trip-a", StopID: "S1", StopSequence: 1, ArrivalTime: "09:00:00"}},
	)
	clock := &fakeClock{now: start.Add(time.Hour)}

	// 09:00:00 local is 08:00 UTC, two minutes before the reported arrival.
	st := &memStore{}
	c := New(Config{Interval: time.Minute}, &scriptedFeeds{pair: goodPair()}, table, st, logger.Nop(),
		WithClock(clock.Now, clock.Sleep), WithLocation(cet))
	n, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, int64(120), st.rows[0].DelaySeconds)
	assert.Equal(t, cet, st.rows[0].Timestamp.Location())

	st = &memStore{}
	n, err = New(Config{Interval: time.Minute}, &scriptedFeeds{pair: goodPair()}, table, st, logger.Nop(),
		WithClock(clock.Now, clock.Sleep)).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "09:00:00 UTC is an hour after the arrival")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "backoff", StateBackoff.String())
	assert.Equal(t, "state(42)", State(42).String())
}
