package delay

import (
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/transitdelay-data/internal/gtfs-static/schedule"
	"github.com/transitdelay-data/pkg/gtfs-realtime/models"
)

// Accepted delay window in seconds, inclusive on both ends.
const (
	MinDelaySeconds = -600
	MaxDelaySeconds = 3600
)

// Schedule is the part of the static schedule the calculator needs.
type Schedule interface {
	RouteType(routeID string) int
	ScheduledTime(tripID, stopID string) (string, bool)
}

// Stats counts how stop-time updates were consumed in one computation.
type Stats struct {
	TripUpdates         int
	TripsWithoutVehicle int
	StopTimeUpdates     int
	NoActualTime        int
	NoScheduledTime     int
	OutOfWindow         int
	Emitted             int
}

// VehicleIndex maps trip ids to the last position reported for them in the feed.
// Entities without a trip id or a position are ignored.
func VehicleIndex(feed *gtfsrt.FeedMessage) map[string]models.VehiclePosition {
	vehicles := make(map[string]models.VehiclePosition)
	for _, entity := range feed.GetEntity() {
		vp := entity.GetVehicle()
		if vp == nil || vp.GetPosition() == nil {
			continue
		}
		tripID := vp.GetTrip().GetTripId()
		if tripID == "" {
			continue
		}
		vehicles[tripID] = models.VehiclePosition{
			TripID:    tripID,
			RouteID:   vp.GetTrip().GetRouteId(),
			VehicleID: vp.GetVehicle().GetId(),
			Latitude:  float64(vp.GetPosition().GetLatitude()),
			Longitude: float64(vp.GetPosition().GetLongitude()),
		}
	}
	return vehicles
}

// ComputeDelays joins trip updates with vehicle positions and the static
// schedule. Output order is unspecified. A nil feed yields no observations.
func ComputeDelays(tripFeed, vehicleFeed *gtfsrt.FeedMessage, table Schedule, now time.Time) []models.DelayObservation {
	obs, _ := Compute(tripFeed, vehicleFeed, table, now)
	return obs
}

// Compute is ComputeDelays with per-step drop counters.
func Compute(tripFeed, vehicleFeed *gtfsrt.FeedMessage, table Schedule, now time.Time) ([]models.DelayObservation, Stats) {
	var stats Stats
	if tripFeed == nil || vehicleFeed == nil {
		return nil, stats
	}

	vehicles := VehicleIndex(vehicleFeed)

	var observations []models.DelayObservation
	for _, entity := range tripFeed.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil {
			continue
		}
		stats.TripUpdates++

		tripID := tu.GetTrip().GetTripId()
		vehicle, ok := vehicles[tripID]
		if !ok {
			stats.TripsWithoutVehicle++
			continue
		}

		routeID := tu.GetTrip().GetRouteId()
		if routeID == "" {
			routeID = vehicle.RouteID
		}
		routeType := table.RouteType(routeID)

		for _, stu := range tu.GetStopTimeUpdate() {
			stats.StopTimeUpdates++

			actual, ok := actualTime(stu)
			if !ok {
				stats.NoActualTime++
				continue
			}

			stopID := stu.GetStopId()
			scheduledStr, ok := table.ScheduledTime(tripID, stopID)
			if !ok {
				stats.NoScheduledTime++
				continue
			}

			scheduled := ScheduledAt(now, scheduledStr)
			delaySeconds := actual - scheduled
			if delaySeconds < MinDelaySeconds || delaySeconds > MaxDelaySeconds {
				stats.OutOfWindow++
				continue
			}

			observations = append(observations, models.DelayObservation{
				Timestamp:     now,
				TripID:        tripID,
				RouteID:       routeID,
				RouteType:     routeType,
				VehicleID:     vehicle.VehicleID,
				StopID:        stopID,
				ScheduledTime: scheduled,
				ActualTime:    actual,
				DelaySeconds:  delaySeconds,
				Latitude:      vehicle.Latitude,
				Longitude:     vehicle.Longitude,
			})
			stats.Emitted++
		}
	}

	return observations, stats
}

// ScheduledAt resolves a GTFS clock value on now's calendar day as wall-clock
// time in now's location, regardless of the trip's service date. Values past
// 24:00:00 roll into the next day.
func ScheduledAt(now time.Time, clock string) int64 {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, schedule.ToSecondsSinceMidnight(clock), 0, now.Location()).Unix()
}

// actualTime takes the arrival time when the arrival event carries one and
// the departure time otherwise. A zero timestamp counts as absent.
func actualTime(stu *gtfsrt.TripUpdate_StopTimeUpdate) (int64, bool) {
	var t int64
	switch {
	case stu.GetArrival() != nil && stu.GetArrival().Time != nil:
		t = stu.GetArrival().GetTime()
	case stu.GetDeparture() != nil && stu.GetDeparture().Time != nil:
		t = stu.GetDeparture().GetTime()
	}
	return t, t != 0
}
