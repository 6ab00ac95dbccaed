package broadcast

import (
	"time"

	"fleettrack/internal/fleet"
)

// Event category names double as the wire-level message types pushed to
// subscribers.
const (
	EventPosition     = "vehicle-location-updated"
	EventOccupancy    = "vehicle-occupancy-updated"
	EventStatus       = "vehicle-status-changed"
	EventAlert        = "service-alert"
	EventSubscription = "subscription-confirmed"
)

// Event is the unit of fan-out: a category, a stamp, and a typed payload.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// PositionUpdate is the payload for EventPosition.
type PositionUpdate struct {
	VehicleID     string         `json:"vehicleId"`
	VehicleNumber string         `json:"vehicleNumber"`
	RouteID       string         `json:"routeId"`
	Location      fleet.Position `json:"location"`
	SpeedKmh      float64        `json:"speed"`
	Bearing       float64        `json:"direction"`
	NextStopID    string         `json:"nextStopId,omitempty"`
}

// OccupancyUpdate is the payload for EventOccupancy.
type OccupancyUpdate struct {
	VehicleID           string          `json:"vehicleId"`
	VehicleNumber       string          `json:"vehicleNumber"`
	Occupancy           fleet.Occupancy `json:"occupancy"`
	OccupancyPercentage int             `json:"occupancyPercentage"`
	AvailableSeats      int             `json:"availableSeats"`
}

// StatusChange is the payload for EventStatus.
type StatusChange struct {
	VehicleID     string              `json:"vehicleId"`
	VehicleNumber string              `json:"vehicleNumber"`
	RouteID       string              `json:"routeId"`
	Status        fleet.VehicleStatus `json:"status"`
}

// AlertSeverity grades a service alert.
type AlertSeverity string

const (
	SeverityInfo    AlertSeverity = "info"
	SeverityWarning AlertSeverity = "warning"
	SeverityError   AlertSeverity = "error"
	SeveritySuccess AlertSeverity = "success"
)

// ServiceAlert is an ephemeral notice. It exists only as a broadcast event
// and is never stored. RouteID/VehicleID scope delivery; both empty means a
// global alert.
type ServiceAlert struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Message   string        `json:"message"`
	Severity  AlertSeverity `json:"severity"`
	RouteID   string        `json:"routeId,omitempty"`
	VehicleID string        `json:"vehicleId,omitempty"`
	Sender    string        `json:"sender,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// SubscriptionConfirmation is echoed to the requesting connection only.
type SubscriptionConfirmation struct {
	Action  string `json:"action"` // "subscribed" or "unsubscribed"
	Topic   string `json:"topic"`
	Message string `json:"message"`
}
