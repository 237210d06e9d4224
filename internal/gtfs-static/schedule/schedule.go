// Package schedule holds the static GTFS schedule in memory for delay lookups.
// A Table is built once by Load and never mutated afterwards, so it may be
// shared freely between goroutines.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/transitdelay-data/internal/common/logger"
	"github.com/transitdelay-data/internal/gtfs-static/parser"
	"github.com/transitdelay-data/pkg/gtfs-static/models"
)

type stopKey struct {
	tripID string
	stopID string
}

type Table struct {
	routes    map[string]*models.Route
	trips     map[string]*models.Trip
	stopTimes map[string][]models.StopTime // trip_id -> stops ordered by sequence
	scheduled map[stopKey]string           // first arrival_time per (trip, stop) in sequence order
}

// Stats summarises what was loaded
type Stats struct {
	Routes         int
	Trips          int
	TripsWithStops int
	StopTimes      int
}

// Load parses routes, trips and stop times from a GTFS directory or zip archive.
// Any missing or unparsable file is returned as an error; callers treat that as fatal.
func Load(ctx context.Context, source string, log logger.Logger) (*Table, error) {
	log.Info("Loading static GTFS schedule", "source", source)

	b := newBuilder()
	p := parser.New(log)
	err := p.Parse(ctx, source, parser.ParseCallbacks{
		OnRoute: func(r *models.Route) error {
			b.addRoute(r)
			return nil
		},
		OnTrip: func(t *models.Trip) error {
			b.addTrip(t)
			return nil
		},
		OnStopTime: func(st *models.StopTime) error {
			b.addStopTime(st)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("loading schedule from %s: %w", source, err)
	}

	table := b.build()
	stats := table.Stats()
	log.Info("Static GTFS schedule loaded",
		"routes", stats.Routes,
		"trips", stats.Trips,
		"trips_with_stop_times", stats.TripsWithStops,
		"stop_times", stats.StopTimes)

	return table, nil
}

type builder struct {
	routes    map[string]*models.Route
	trips     map[string]*models.Trip
	stopTimes map[string][]models.StopTime
}

func newBuilder() *builder {
	return &builder{
		routes:    make(map[string]*models.Route),
		trips:     make(map[string]*models.Trip),
		stopTimes: make(map[string][]models.StopTime),
	}
}

func (b *builder) addRoute(r *models.Route) {
	b.routes[r.RouteID] = r
}

func (b *builder) addTrip(t *models.Trip) {
	b.trips[t.TripID] = t
}

func (b *builder) addStopTime(st *models.StopTime) {
	b.stopTimes[st.TripID] = append(b.stopTimes[st.TripID], *st)
}

func (b *builder) build() *Table {
	t := &Table{
		routes:    b.routes,
		trips:     b.trips,
		stopTimes: b.stopTimes,
		scheduled: make(map[stopKey]string),
	}
	for tripID, stops := range t.stopTimes {
		sort.SliceStable(stops, func(i, j int) bool {
			return stops[i].StopSequence < stops[j].StopSequence
		})
		for _, st := range stops {
			key := stopKey{tripID: tripID, stopID: st.StopID}
			if _, seen := t.scheduled[key]; seen {
				continue
			}
			t.scheduled[key] = st.ArrivalTime
		}
	}
	return t
}

// NewTable builds a Table directly from parsed records. Used by tests and by
// callers that already hold the schedule in memory.
func NewTable(routes []models.Route, trips []models.Trip, stopTimes []models.StopTime) *Table {
	b := newBuilder()
	for i := range routes {
		b.addRoute(&routes[i])
	}
	for i := range trips {
		b.addTrip(&trips[i])
	}
	for i := range stopTimes {
		b.addStopTime(&stopTimes[i])
	}
	return b.build()
}

// RouteKind returns the transport kind of a route, falling back to bus for unknown routes.
func (t *Table) RouteKind(routeID string) models.RouteKind {
	return models.KindFromRouteType(t.RouteType(routeID))
}

// RouteType returns the GTFS route_type code, falling back to bus for unknown routes.
func (t *Table) RouteType(routeID string) int {
	if r, ok := t.routes[routeID]; ok {
		return r.RouteType
	}
	return models.RouteTypeBus
}

func (t *Table) Route(routeID string) (*models.Route, bool) {
	r, ok := t.routes[routeID]
	return r, ok
}

func (t *Table) Trip(tripID string) (*models.Trip, bool) {
	tr, ok := t.trips[tripID]
	return tr, ok
}

// StopTimes returns the trip's stops ordered by stop_sequence.
func (t *Table) StopTimes(tripID string) []models.StopTime {
	return t.stopTimes[tripID]
}

// ScheduledTime returns the scheduled arrival time of the first stop matching
// stopID in the trip's sequence. An empty arrival_time counts as absent.
func (t *Table) ScheduledTime(tripID, stopID string) (string, bool) {
	s, ok := t.scheduled[stopKey{tripID: tripID, stopID: stopID}]
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func (t *Table) Stats() Stats {
	s := Stats{
		Routes:         len(t.routes),
		Trips:          len(t.trips),
		TripsWithStops: len(t.stopTimes),
	}
	for _, stops := range t.stopTimes {
		s.StopTimes += len(stops)
	}
	return s
}

// ToSecondsSinceMidnight parses a GTFS HH:MM:SS clock time. Hours of 24 and
// above are kept as-is for trips running past midnight. Malformed input yields 0.
func ToSecondsSinceMidnight(timeStr string) int {
	parts := strings.Split(strings.TrimSpace(timeStr), ":")
	if len(parts) < 3 {
		return 0
	}
	hours, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return 0
	}
	return hours*3600 + minutes*60 + seconds
}
