// Package aggregate loads the delay log once, cleans it and precomputes the
// grouped statistics served to the dashboard. A Cache never changes after New
// returns; queries may run concurrently.
package aggregate

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/transitdelay-data/internal/common/logger"
	static "github.com/transitdelay-data/pkg/gtfs-static/models"
)

const (
	DefaultGeoSampleSize = 5000
	DefaultSampleSeed    = 42

	HistogramBins = 50
	HistogramMin  = -15.0
	HistogramMax  = 15.0
)

type Options struct {
	Bounds        Bounds
	Location      *time.Location // for timestamps written without an offset
	GeoSampleSize int
	Seed          int64
}

func (o Options) withDefaults() Options {
	if o.Bounds == (Bounds{}) {
		o.Bounds = DefaultBounds
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.GeoSampleSize <= 0 {
		o.GeoSampleSize = DefaultGeoSampleSize
	}
	if o.Seed == 0 {
		o.Seed = DefaultSampleSeed
	}
	return o
}

// HourlyGroup is the delay distribution of one (route, hour, kind) group, in minutes.
type HourlyGroup struct {
	RouteID     string           `json:"route_id"`
	Hour        int              `json:"hour"`
	Kind        static.RouteKind `json:"transport_type"`
	MeanDelay   float64          `json:"mean_delay"`
	StdDelay    float64          `json:"std_delay"`
	Count       int              `json:"count"`
	MedianDelay float64          `json:"median_delay"`
	CI          float64          `json:"ci"`
}

type GeoPoint struct {
	RouteID      string           `json:"route_id"`
	Latitude     float64          `json:"latitude"`
	Longitude    float64          `json:"longitude"`
	DelayMinutes float64          `json:"delay_minutes"`
	Kind         static.RouteKind `json:"transport_type"`
}

// Histogram holds HistogramBins counts and the HistogramBins+1 bin edges.
type Histogram struct {
	Kind   static.RouteKind `json:"transport_type"`
	Counts []int            `json:"hist"`
	Edges  []float64        `json:"bins"`
}

type Cache struct {
	rows       []Row
	readStats  ReadStats
	cleanStats CleanStats
	opts       Options

	hourly     []HourlyGroup
	geoSample  []GeoPoint
	histograms map[static.RouteKind]Histogram

	// observation count per route and the distinct counts in ascending order
	routeTotals map[string]int
	totalSteps  []int

	// memoised LineStats and Heatmap results keyed by their normalised argument
	memo *gocache.Cache
}

// Load reads and cleans the log at path, then precomputes all aggregates.
func Load(path string, opts Options, log logger.Logger) (*Cache, error) {
	opts = opts.withDefaults()
	log.Info("Loading delay log", "path", path)

	raw, readStats, err := ReadFile(path, opts.Location)
	if err != nil {
		return nil, fmt.Errorf("loading delay log: %w", err)
	}
	log.Info("Delay log loaded", "observations", readStats.Parsed, "malformed", readStats.Malformed)

	c := New(raw, opts, log)
	c.readStats = readStats
	return c, nil
}

// New cleans rows and precomputes aggregates. rows is not retained.
func New(rows []Row, opts Options, log logger.Logger) *Cache {
	opts = opts.withDefaults()

	clean, cleanStats := Clean(rows, opts.Bounds)
	log.Info("Cleaning finished",
		"removed_pct", fmt.Sprintf("%.1f", cleanStats.RemovedPct()),
		"retained", cleanStats.Retained,
		"missing_fields", cleanStats.MissingFields,
		"outlier_delay", cleanStats.OutlierDelay,
		"out_of_bounds", cleanStats.OutOfBounds)

	c := &Cache{
		rows:       clean,
		cleanStats: cleanStats,
		opts:       opts,
		memo:       gocache.New(gocache.NoExpiration, 0),
	}

	start := time.Now()
	c.hourly = hourlyGroups(clean)
	c.routeTotals, c.totalSteps = routeTotals(c.hourly)
	c.geoSample = geoSample(clean, opts.GeoSampleSize, opts.Seed)
	c.histograms = histograms(clean)
	log.Info("Aggregates precomputed",
		"elapsed", time.Since(start),
		"hourly_groups", len(c.hourly),
		"geo_sample", len(c.geoSample),
		"histograms", len(c.histograms))

	return c
}

func (c *Cache) Len() int { return len(c.rows) }

func (c *Cache) ReadStats() ReadStats { return c.readStats }

func (c *Cache) CleanStats() CleanStats { return c.cleanStats }

// Hourly returns the precomputed (route, hour, kind) table. Callers must not modify it.
func (c *Cache) Hourly() []HourlyGroup { return c.hourly }

type groupKey struct {
	routeID string
	hour    int
	kind    static.RouteKind
}

func hourlyGroups(rows []Row) []HourlyGroup {
	delays := make(map[groupKey][]float64)
	for _, r := range rows {
		k := groupKey{routeID: r.RouteID, hour: r.Hour, kind: r.Kind}
		delays[k] = append(delays[k], r.DelayMinutes)
	}

	groups := make([]HourlyGroup, 0, len(delays))
	for k, xs := range delays {
		std := stdDev(xs)
		groups = append(groups, HourlyGroup{
			RouteID:     k.routeID,
			Hour:        k.hour,
			Kind:        k.kind,
			MeanDelay:   mean(xs),
			StdDelay:    std,
			Count:       len(xs),
			MedianDelay: median(xs),
			CI:          confidence(std, len(xs)),
		})
	}

	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.RouteID != b.RouteID {
			return a.RouteID < b.RouteID
		}
		if a.Hour != b.Hour {
			return a.Hour < b.Hour
		}
		return a.Kind < b.Kind
	})
	return groups
}

// sampleIndexes picks min(n, total) distinct indexes with a fixed seed.
func sampleIndexes(total, n int, seed int64) []int {
	if n > total {
		n = total
	}
	return rand.New(rand.NewSource(seed)).Perm(total)[:n]
}

func geoSample(rows []Row, size int, seed int64) []GeoPoint {
	idx := sampleIndexes(len(rows), size, seed)
	points := make([]GeoPoint, 0, len(idx))
	for _, i := range idx {
		r := rows[i]
		points = append(points, GeoPoint{
			RouteID:      r.RouteID,
			Latitude:     r.Latitude,
			Longitude:    r.Longitude,
			DelayMinutes: r.DelayMinutes,
			Kind:         r.Kind,
		})
	}
	return points
}

func histograms(rows []Row) map[static.RouteKind]Histogram {
	byKind := make(map[static.RouteKind][]float64)
	for _, r := range rows {
		byKind[r.Kind] = append(byKind[r.Kind], r.DelayMinutes)
	}

	out := make(map[static.RouteKind]Histogram, len(byKind))
	for kind, xs := range byKind {
		counts, edges := histogram(xs, HistogramBins, HistogramMin, HistogramMax)
		out[kind] = Histogram{Kind: kind, Counts: counts, Edges: edges}
	}
	return out
}
