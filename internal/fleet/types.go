// Package fleet defines the vehicle and route domain model and the in-memory
// state store that owns those records for the lifetime of the process.
package fleet

import (
	"sort"
	"time"

	"fleettrack/internal/geo"
)

// OccupancyStatus classifies a vehicle by its occupancy ratio.
type OccupancyStatus string

const (
	OccupancyAvailable   OccupancyStatus = "Available"
	OccupancyNearlyFull  OccupancyStatus = "Nearly Full"
	OccupancyOvercrowded OccupancyStatus = "Overcrowded"
)

// Occupancy ratio thresholds: below nearlyFullRatio the vehicle is Available,
// below overcrowdedRatio it is Nearly Full, otherwise Overcrowded.
const (
	nearlyFullRatio  = 0.70
	overcrowdedRatio = 0.90
)

// VehicleStatus is the operational state of a vehicle.
type VehicleStatus string

const (
	VehicleActive       VehicleStatus = "Active"
	VehicleInactive     VehicleStatus = "Inactive"
	VehicleMaintenance  VehicleStatus = "Maintenance"
	VehicleOutOfService VehicleStatus = "Out of Service"
)

// ValidVehicleStatus reports whether s names a known vehicle status.
func ValidVehicleStatus(s VehicleStatus) bool {
	switch s {
	case VehicleActive, VehicleInactive, VehicleMaintenance, VehicleOutOfService:
		return true
	}
	return false
}

// RouteStatus is the operational state of a route.
type RouteStatus string

const (
	RouteActive      RouteStatus = "Active"
	RouteInactive    RouteStatus = "Inactive"
	RouteMaintenance RouteStatus = "Maintenance"
	RouteSeasonal    RouteStatus = "Seasonal"
)

// Position is a vehicle's last reported location. UpdatedAt is the position's
// own staleness clock, independent of the occupancy clock.
type Position struct {
	geo.Coordinates
	UpdatedAt time.Time `json:"lastUpdated"`
}

// Occupancy is a vehicle's seat usage. Status is derived from the ratio and
// is recomputed by applyOccupancy on every mutation, never stored on its own.
type Occupancy struct {
	TotalSeats    int             `json:"totalSeats"`
	OccupiedSeats int             `json:"occupiedSeats"`
	Status        OccupancyStatus `json:"status"`
	UpdatedAt     time.Time       `json:"lastUpdated"`
}

// applyOccupancy is the single occupancy state transition: it validates the
// new counts and returns the occupancy with its derived status. The old value
// is returned unchanged on error.
func applyOccupancy(old Occupancy, occupied, total int, now time.Time) (Occupancy, error) {
	if total < 1 {
		return old, ErrOccupancyRange
	}
	if occupied < 0 || occupied > total {
		return old, ErrOccupancyRange
	}
	next := Occupancy{
		TotalSeats:    total,
		OccupiedSeats: occupied,
		UpdatedAt:     now,
	}
	switch ratio := float64(occupied) / float64(total); {
	case ratio < nearlyFullRatio:
		next.Status = OccupancyAvailable
	case ratio < overcrowdedRatio:
		next.Status = OccupancyNearlyFull
	default:
		next.Status = OccupancyOvercrowded
	}
	return next, nil
}

// Vehicle is a tracked fleet vehicle. Instances handed out by the store are
// copies; mutations go through the store's operations.
type Vehicle struct {
	ID         string        `json:"id"`
	Number     string        `json:"number"`
	RouteID    string        `json:"routeId"`
	Position   Position      `json:"currentLocation"`
	Occupancy  Occupancy     `json:"occupancy"`
	Status     VehicleStatus `json:"status"`
	SpeedKmh   float64       `json:"speed"`
	Bearing    float64       `json:"direction"`
	NextStopID string        `json:"nextStopId,omitempty"`
}

// OccupancyPercentage is the occupancy ratio rounded to a whole percent.
func (v *Vehicle) OccupancyPercentage() int {
	if v.Occupancy.TotalSeats == 0 {
		return 0
	}
	ratio := float64(v.Occupancy.OccupiedSeats) / float64(v.Occupancy.TotalSeats)
	return int(ratio*100 + 0.5)
}

// AvailableSeats is the number of unoccupied seats.
func (v *Vehicle) AvailableSeats() int {
	return v.Occupancy.TotalSeats - v.Occupancy.OccupiedSeats
}

// Stop is a named point on a route. Order is unique within the route.
type Stop struct {
	ID               string          `json:"stopId"`
	Name             string          `json:"name"`
	Coordinates      geo.Coordinates `json:"coordinates"`
	Order            int             `json:"order"`
	MinutesFromStart int             `json:"estimatedTime"`
	Facilities       []string        `json:"facilities,omitempty"`
}

// OperatingHours is a daily service window in "HH:MM" local time.
type OperatingHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Fare is the per-rider-class fare table for a route.
type Fare struct {
	Adult   float64 `json:"adult"`
	Student float64 `json:"student"`
	Senior  float64 `json:"senior"`
}

// Route is a fixed service pattern. Stops are kept sorted ascending by Order;
// the route is circular, so the stop after the last is the first.
type Route struct {
	ID              string         `json:"id"`
	Name            string         `json:"routeName"`
	Number          string         `json:"routeNumber"`
	Stops           []Stop         `json:"stops"`
	TotalDistanceKm float64        `json:"totalDistance"`
	DurationMinutes int            `json:"estimatedDuration"`
	OperatingHours  OperatingHours `json:"operatingHours"`
	HeadwayMinutes  int            `json:"frequency"`
	Fare            Fare           `json:"fare"`
	Status          RouteStatus    `json:"status"`
	Color           string         `json:"color"`
}

// sortStops re-sorts the stop sequence ascending by order. Every stop update
// passes through here before the route state is considered valid.
func (r *Route) sortStops() {
	sort.SliceStable(r.Stops, func(i, j int) bool {
		return r.Stops[i].Order < r.Stops[j].Order
	})
}

// NextStop returns the stop following the given order index, wrapping to the
// first stop after the last. Returns false when the route has no stops.
func (r *Route) NextStop(order int) (Stop, bool) {
	if len(r.Stops) == 0 {
		return Stop{}, false
	}
	for _, s := range r.Stops {
		if s.Order > order {
			return s, true
		}
	}
	return r.Stops[0], true
}

// NearestStop returns the stop with the minimum great-circle distance to c.
func (r *Route) NearestStop(c geo.Coordinates) (Stop, bool) {
	if len(r.Stops) == 0 {
		return Stop{}, false
	}
	best := r.Stops[0]
	bestDist := geo.DistanceKm(c, best.Coordinates)
	for _, s := range r.Stops[1:] {
		if d := geo.DistanceKm(c, s.Coordinates); d < bestDist {
			best, bestDist = s, d
		}
	}
	return best, true
}
