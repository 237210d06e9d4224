package aggregate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	static "github.com/transitdelay-data/pkg/gtfs-static/models"
)

// Row is one parsed line of the delay log. Missing numeric fields are NaN.
type Row struct {
	Timestamp    time.Time
	TripID       string
	RouteID      string
	RouteType    int
	Kind         static.RouteKind
	VehicleID    string
	StopID       string
	DelaySeconds float64
	DelayMinutes float64
	Latitude     float64
	Longitude    float64
	Hour         int
}

// ReadStats counts what happened to the raw lines of the log.
type ReadStats struct {
	Lines     int
	Parsed    int
	Malformed int
}

var requiredColumns = []string{"timestamp", "route_id", "route_type", "vehicle_id", "delay_seconds", "latitude", "longitude"}

// timestamp layouts accepted in order; the last two cover logs written without an offset
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ReadFile parses the delay log at path.
func ReadFile(path string, loc *time.Location) ([]Row, ReadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ReadStats{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return ReadCSV(f, loc)
}

// ReadCSV parses a delay log. Rows that cannot be parsed, including a truncated
// last row, are dropped and counted as malformed.
func ReadCSV(r io.Reader, loc *time.Location) ([]Row, ReadStats, error) {
	if loc == nil {
		loc = time.Local
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	var stats ReadStats
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, stats, nil
		}
		return nil, stats, fmt.Errorf("reading header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, stats, fmt.Errorf("missing column %q", name)
		}
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		stats.Lines++
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			stats.Malformed++
			continue
		}
		if err != nil {
			return rows, stats, fmt.Errorf("reading line %d: %w", stats.Lines+1, err)
		}
		if len(record) != len(header) {
			stats.Malformed++
			continue
		}

		row, err := parseRow(record, cols, loc)
		if err != nil {
			stats.Malformed++
			continue
		}
		rows = append(rows, row)
		stats.Parsed++
	}

	return rows, stats, nil
}

func parseRow(record []string, cols map[string]int, loc *time.Location) (Row, error) {
	get := func(name string) string {
		if i, ok := cols[name]; ok {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	ts, err := parseTimestamp(get("timestamp"), loc)
	if err != nil {
		return Row{}, err
	}

	routeType := -1
	if s := get("route_type"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Row{}, fmt.Errorf("route_type: %w", err)
		}
		routeType = int(f)
	}

	delaySeconds, err := parseOptionalFloat(get("delay_seconds"))
	if err != nil {
		return Row{}, fmt.Errorf("delay_seconds: %w", err)
	}
	lat, err := parseOptionalFloat(get("latitude"))
	if err != nil {
		return Row{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := parseOptionalFloat(get("longitude"))
	if err != nil {
		return Row{}, fmt.Errorf("longitude: %w", err)
	}

	return Row{
		Timestamp:    ts,
		TripID:       get("trip_id"),
		RouteID:      get("route_id"),
		RouteType:    routeType,
		Kind:         static.KindFromRouteType(routeType),
		VehicleID:    get("vehicle_id"),
		StopID:       get("stop_id"),
		DelaySeconds: delaySeconds,
		DelayMinutes: delaySeconds / 60,
		Latitude:     lat,
		Longitude:    lon,
		Hour:         ts.Hour(),
	}, nil
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(timestampLayouts[0], s); err == nil {
		return t, nil
	}
	for _, layout := range timestampLayouts[1:] {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}

func parseOptionalFloat(s string) (float64, error) {
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
