package models

import (
	"strconv"
	"time"

	static "github.com/transitdelay-data/pkg/gtfs-static/models"
)

// CSVHeader is the fixed column layout of the delay log.
var CSVHeader = []string{
	"timestamp",
	"trip_id",
	"route_id",
	"route_type",
	"vehicle_id",
	"stop_id",
	"scheduled_time",
	"actual_time",
	"delay_seconds",
	"latitude",
	"longitude",
}

// VehiclePosition is the latest position reported for a trip in one vehicle feed.
type VehiclePosition struct {
	TripID    string
	RouteID   string
	VehicleID string
	Latitude  float64
	Longitude float64
}

// DelayObservation is one row of the append-only delay log.
type DelayObservation struct {
	Timestamp     time.Time
	TripID        string
	RouteID       string
	RouteType     int
	VehicleID     string
	StopID        string
	ScheduledTime int64 // unix seconds
	ActualTime    int64 // unix seconds
	DelaySeconds  int64
	Latitude      float64
	Longitude     float64
}

func (o *DelayObservation) Kind() static.RouteKind {
	return static.KindFromRouteType(o.RouteType)
}

// Record renders the observation in CSVHeader order.
func (o *DelayObservation) Record() []string {
	return []string{
		o.Timestamp.Format(time.RFC3339),
		o.TripID,
		o.RouteID,
		strconv.Itoa(o.RouteType),
		o.VehicleID,
		o.StopID,
		strconv.FormatInt(o.ScheduledTime, 10),
		strconv.FormatInt(o.ActualTime, 10),
		strconv.FormatInt(o.DelaySeconds, 10),
		strconv.FormatFloat(o.Latitude, 'f', -1, 64),
		strconv.FormatFloat(o.Longitude, 'f', -1, 64),
	}
}
