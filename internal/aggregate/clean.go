package aggregate

import "math"

// MaxAbsDelayMinutes is the largest delay magnitude kept by Clean.
const MaxAbsDelayMinutes = 60

// Bounds is the inclusive GPS box a plausible observation must fall in.
type Bounds struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// DefaultBounds covers the Nice metropolitan network.
var DefaultBounds = Bounds{MinLat: 43.6, MaxLat: 43.8, MinLon: 7.0, MaxLon: 7.5}

func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

type CleanStats struct {
	Input         int
	MissingFields int
	OutlierDelay  int
	OutOfBounds   int
	Retained      int
}

// RemovedPct is the share of input rows dropped by cleaning.
func (s CleanStats) RemovedPct() float64 {
	if s.Input == 0 {
		return 0
	}
	return (1 - float64(s.Retained)/float64(s.Input)) * 100
}

// Clean drops rows missing a delay, route or vehicle, rows whose delay exceeds
// an hour either way, and rows positioned outside bounds. NaN coordinates
// never fall inside bounds.
func Clean(rows []Row, bounds Bounds) ([]Row, CleanStats) {
	stats := CleanStats{Input: len(rows)}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		switch {
		case math.IsNaN(r.DelayMinutes) || r.RouteID == "" || r.VehicleID == "":
			stats.MissingFields++
		case math.Abs(r.DelayMinutes) > MaxAbsDelayMinutes:
			stats.OutlierDelay++
		case !bounds.Contains(r.Latitude, r.Longitude):
			stats.OutOfBounds++
		default:
			out = append(out, r)
		}
	}
	stats.Retained = len(out)
	return out, stats
}
