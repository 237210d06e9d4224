package models

// GTFS route_type codes used to classify routes.
const (
	RouteTypeTram = 0
	RouteTypeBus  = 3
)

// RouteKind is the transport kind shown to consumers of the delay log
type RouteKind string

const (
	KindTram  RouteKind = "Tram"
	KindBus   RouteKind = "Bus"
	KindOther RouteKind = "Other"
)

// KindFromRouteType classifies a GTFS route_type code.
func KindFromRouteType(routeType int) RouteKind {
	switch routeType {
	case RouteTypeTram:
		return KindTram
	case RouteTypeBus:
		return KindBus
	default:
		return KindOther
	}
}

type Route struct {
	RouteID        string
	RouteShortName string
	RouteLongName  string
	RouteType      int
}

// DisplayName is the short name, or the route id when the feed leaves it blank.
func (r *Route) DisplayName() string {
	if r.RouteShortName != "" {
		return r.RouteShortName
	}
	return r.RouteID
}

func (r *Route) Kind() RouteKind {
	return KindFromRouteType(r.RouteType)
}

type Trip struct {
	TripID    string
	RouteID   string
	ServiceID string
}

type StopTime struct {
	TripID        string
	StopID        string
	StopSequence  int
	ArrivalTime   string // Format: HH:MM:SS, hours may exceed 23
	DepartureTime string
}
