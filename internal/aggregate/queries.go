package aggregate

import (
	"fmt"
	"math"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/thoas/go-funk"
	"gonum.org/v1/gonum/stat"

	static "github.com/transitdelay-data/pkg/gtfs-static/models"
)

type Summary struct {
	TotalObs       int       `json:"total_obs"`
	MeanDelay      float64   `json:"mean_delay"`
	MedianDelay    float64   `json:"median_delay"`
	StdDelay       float64   `json:"std_delay"`
	OnTimePct      float64   `json:"ontime_pct"`
	LatePct        float64   `json:"late_pct"`
	EarlyPct       float64   `json:"early_pct"`
	UniqueLines    int       `json:"unique_lines"`
	UniqueVehicles int       `json:"unique_vehicles"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
}

type LineStat struct {
	RouteID      string  `json:"route_id"`
	MeanDelay    float64 `json:"mean_delay"`
	MedianDelay  float64 `json:"median_delay"`
	StdDelay     float64 `json:"std_delay"`
	Observations int     `json:"n_observations"`
}

type HourStat struct {
	Hour      int     `json:"hour"`
	MeanDelay float64 `json:"mean_delay"`
	Count     int     `json:"count"`
	StdDelay  float64 `json:"std_delay"`
	CI        float64 `json:"ci"`
}

// HeatmapData is a route by hour matrix of mean delays. Rows follow Routes,
// columns follow Hours; a nil cell has no observations.
type HeatmapData struct {
	Routes []string     `json:"routes"`
	Hours  []int        `json:"hours"`
	Values [][]*float64 `json:"values"`
}

type KindStat struct {
	Kind   static.RouteKind `json:"transport_type"`
	Mean   float64          `json:"mean"`
	Median float64          `json:"median"`
	Std    float64          `json:"std"`
	Count  int              `json:"count"`
}

// Filter narrows FilteredData. Empty slices match everything; SampleSize > 0
// draws that many rows with the fixed seed before filtering.
type Filter struct {
	RouteIDs   []string
	Hours      []int
	Kinds      []static.RouteKind
	SampleSize int
}

func (c *Cache) SummaryStats() Summary {
	s := Summary{TotalObs: len(c.rows)}
	if len(c.rows) == 0 {
		return s
	}

	delays := make([]float64, len(c.rows))
	routes := make([]string, len(c.rows))
	vehicles := make([]string, len(c.rows))
	s.StartTime, s.EndTime = c.rows[0].Timestamp, c.rows[0].Timestamp
	for i, r := range c.rows {
		delays[i] = r.DelayMinutes
		routes[i] = r.RouteID
		vehicles[i] = r.VehicleID
		if r.Timestamp.Before(s.StartTime) {
			s.StartTime = r.Timestamp
		}
		if r.Timestamp.After(s.EndTime) {
			s.EndTime = r.Timestamp
		}
	}

	s.MeanDelay = mean(delays)
	s.MedianDelay = median(delays)
	s.StdDelay = stdDev(delays)
	s.OnTimePct = percentWhere(delays, func(d float64) bool { return math.Abs(d) <= 1 })
	s.LatePct = percentWhere(delays, func(d float64) bool { return d > 2 })
	s.EarlyPct = percentWhere(delays, func(d float64) bool { return d < -2 })
	s.UniqueLines = len(funk.UniqString(routes))
	s.UniqueVehicles = len(funk.UniqString(vehicles))
	return s
}

// LineStats averages the hourly groups of each route and keeps routes with at
// least minObservations observations. Values are rounded to two decimals and
// ordered by route id. The result is shared; callers must not modify it.
func (c *Cache) LineStats(minObservations int) []LineStat {
	// thresholds between two consecutive route totals select the same routes
	key := fmt.Sprintf("lines:%d", sort.SearchInts(c.totalSteps, minObservations))
	if v, ok := c.memo.Get(key); ok {
		return v.([]LineStat)
	}

	type acc struct {
		means, medians, stds []float64
		count                int
	}
	byRoute := make(map[string]*acc)
	var order []string
	for _, g := range c.hourly {
		a, ok := byRoute[g.RouteID]
		if !ok {
			a = &acc{}
			byRoute[g.RouteID] = a
			order = append(order, g.RouteID)
		}
		a.means = append(a.means, g.MeanDelay)
		a.medians = append(a.medians, g.MedianDelay)
		a.stds = append(a.stds, g.StdDelay)
		a.count += g.Count
	}
	sort.Strings(order)

	stats := make([]LineStat, 0, len(order))
	for _, routeID := range order {
		a := byRoute[routeID]
		if a.count < minObservations {
			continue
		}
		stats = append(stats, LineStat{
			RouteID:      routeID,
			MeanDelay:    round2(mean(a.means)),
			MedianDelay:  round2(mean(a.medians)),
			StdDelay:     round2(mean(a.stds)),
			Observations: a.count,
		})
	}

	c.memo.Set(key, stats, gocache.NoExpiration)
	return stats
}

// HourlyStats collapses the hourly groups matching kinds and hours into one
// row per hour: the count-weighted mean of group means, the summed count and
// the mean of group standard deviations.
func (c *Cache) HourlyStats(kinds []static.RouteKind, hours []int) []HourStat {
	type acc struct {
		means, weights, stds []float64
		count                int
	}
	byHour := make(map[int]*acc)
	for _, g := range c.hourly {
		if len(kinds) > 0 && !funk.Contains(kinds, g.Kind) {
			continue
		}
		if len(hours) > 0 && !funk.ContainsInt(hours, g.Hour) {
			continue
		}
		a, ok := byHour[g.Hour]
		if !ok {
			a = &acc{}
			byHour[g.Hour] = a
		}
		a.means = append(a.means, g.MeanDelay)
		a.weights = append(a.weights, float64(g.Count))
		a.stds = append(a.stds, g.StdDelay)
		a.count += g.Count
	}

	out := make([]HourStat, 0, len(byHour))
	for hour, a := range byHour {
		std := mean(a.stds)
		out = append(out, HourStat{
			Hour:      hour,
			MeanDelay: stat.Mean(a.means, a.weights),
			Count:     a.count,
			StdDelay:  std,
			CI:        confidence(std, a.count),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out
}

// Heatmap builds the route by hour matrix for the topN routes by observation
// count, rows sorted by their mean delay, highest first. The result is shared;
// callers must not modify it.
func (c *Cache) Heatmap(topN int) HeatmapData {
	totals := c.routeTotals
	if topN < 0 || topN > len(totals) {
		topN = len(totals)
	}
	key := fmt.Sprintf("heatmap:%d", topN)
	if v, ok := c.memo.Get(key); ok {
		return v.(HeatmapData)
	}

	routes := funk.Keys(totals).([]string)
	sort.Strings(routes)
	sort.SliceStable(routes, func(i, j int) bool { return totals[routes[i]] > totals[routes[j]] })
	routes = routes[:topN]

	type cellKey struct {
		route string
		hour  int
	}
	cells := make(map[cellKey][]float64)
	hourSet := make(map[int]struct{})
	for _, g := range c.hourly {
		if !funk.ContainsString(routes, g.RouteID) {
			continue
		}
		k := cellKey{route: g.RouteID, hour: g.Hour}
		cells[k] = append(cells[k], g.MeanDelay)
		hourSet[g.Hour] = struct{}{}
	}

	hours := make([]int, 0, len(hourSet))
	for h := range hourSet {
		hours = append(hours, h)
	}
	sort.Ints(hours)

	type heatRow struct {
		route  string
		values []*float64
		mean   float64
	}
	rows := make([]heatRow, 0, len(routes))
	for _, route := range routes {
		values := make([]*float64, len(hours))
		var present []float64
		for i, h := range hours {
			if xs, ok := cells[cellKey{route: route, hour: h}]; ok {
				v := mean(xs)
				values[i] = &v
				present = append(present, v)
			}
		}
		rows = append(rows, heatRow{route: route, values: values, mean: mean(present)})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].mean > rows[j].mean })

	data := HeatmapData{Routes: make([]string, len(rows)), Hours: hours, Values: make([][]*float64, len(rows))}
	for i, r := range rows {
		data.Routes[i] = r.route
		data.Values[i] = r.values
	}

	c.memo.Set(key, data, gocache.NoExpiration)
	return data
}

func routeTotals(groups []HourlyGroup) (map[string]int, []int) {
	totals := make(map[string]int)
	for _, g := range groups {
		totals[g.RouteID] += g.Count
	}
	steps := make([]int, 0, len(totals))
	for _, n := range totals {
		steps = append(steps, n)
	}
	steps = funk.UniqInt(steps)
	sort.Ints(steps)
	return totals, steps
}

// TransportComparison summarises delays per transport kind, ordered by kind name.
func (c *Cache) TransportComparison() []KindStat {
	byKind := make(map[static.RouteKind][]float64)
	for _, r := range c.rows {
		byKind[r.Kind] = append(byKind[r.Kind], r.DelayMinutes)
	}

	out := make([]KindStat, 0, len(byKind))
	for kind, xs := range byKind {
		out = append(out, KindStat{
			Kind:   kind,
			Mean:   round2(mean(xs)),
			Median: round2(median(xs)),
			Std:    round2(stdDev(xs)),
			Count:  len(xs),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// GeoSample returns the precomputed sample restricted to kinds.
func (c *Cache) GeoSample(kinds []static.RouteKind) []GeoPoint {
	if len(kinds) == 0 {
		out := make([]GeoPoint, len(c.geoSample))
		copy(out, c.geoSample)
		return out
	}
	out := make([]GeoPoint, 0, len(c.geoSample))
	for _, p := range c.geoSample {
		if funk.Contains(kinds, p.Kind) {
			out = append(out, p)
		}
	}
	return out
}

func (c *Cache) Histogram(kind static.RouteKind) (Histogram, bool) {
	h, ok := c.histograms[kind]
	return h, ok
}

// Kinds lists the transport kinds present in the cleaned data.
func (c *Cache) Kinds() []static.RouteKind {
	kinds := make([]static.RouteKind, 0, len(c.histograms))
	for k := range c.histograms {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// FilteredData scans the cleaned rows directly. Prefer the precomputed
// queries for anything interactive.
func (c *Cache) FilteredData(f Filter) []Row {
	source := c.rows
	if f.SampleSize > 0 {
		idx := sampleIndexes(len(c.rows), f.SampleSize, c.opts.Seed)
		source = make([]Row, len(idx))
		for i, j := range idx {
			source[i] = c.rows[j]
		}
	}

	out := make([]Row, 0, len(source))
	for _, r := range source {
		if len(f.RouteIDs) > 0 && !funk.ContainsString(f.RouteIDs, r.RouteID) {
			continue
		}
		if len(f.Hours) > 0 && !funk.ContainsInt(f.Hours, r.Hour) {
			continue
		}
		if len(f.Kinds) > 0 && !funk.Contains(f.Kinds, r.Kind) {
			continue
		}
		out = append(out, r)
	}
	return out
}
