package broadcast

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fleettrack/internal/geo"
)

// TopicKind names the addressable channel families connections subscribe to.
type TopicKind string

const (
	TopicVehicle TopicKind = "vehicle"
	TopicRoute   TopicKind = "route"
	TopicCell    TopicKind = "cell"
)

var ErrInvalidTopic = errors.New("invalid topic")

// Cell is a geographic subscription area: a center point plus a radius that
// is matched against position events with the usual bounding-box test.
type Cell struct {
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
}

// Topic is an addressable broadcast channel. It is comparable and used
// directly as a map key in the subscription table.
type Topic struct {
	Kind TopicKind
	ID   string // vehicle or route identifier
	Cell Cell   // set for cell topics only
}

func VehicleTopic(id string) Topic { return Topic{Kind: TopicVehicle, ID: id} }
func RouteTopic(id string) Topic   { return Topic{Kind: TopicRoute, ID: id} }

func CellTopic(lat, lon, radiusMeters float64) Topic {
	return Topic{Kind: TopicCell, Cell: Cell{Latitude: lat, Longitude: lon, RadiusMeters: radiusMeters}}
}

func (t Topic) String() string {
	switch t.Kind {
	case TopicCell:
		return fmt.Sprintf("cell:%g,%g,%g", t.Cell.Latitude, t.Cell.Longitude, t.Cell.RadiusMeters)
	default:
		return fmt.Sprintf("%s:%s", t.Kind, t.ID)
	}
}

// ParseTopic parses "vehicle:<id>", "route:<id>" or "cell:<lat>,<lon>,<radius>".
func ParseTopic(s string) (Topic, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return Topic{}, ErrInvalidTopic
	}
	switch TopicKind(kind) {
	case TopicVehicle:
		return VehicleTopic(rest), nil
	case TopicRoute:
		return RouteTopic(rest), nil
	case TopicCell:
		parts := strings.Split(rest, ",")
		if len(parts) != 3 {
			return Topic{}, ErrInvalidTopic
		}
		vals := make([]float64, 3)
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return Topic{}, ErrInvalidTopic
			}
			vals[i] = f
		}
		return CellTopic(vals[0], vals[1], vals[2]), nil
	}
	return Topic{}, ErrInvalidTopic
}

// contains reports whether a cell topic's area covers the coordinates.
func (t Topic) contains(c geo.Coordinates) bool {
	if t.Kind != TopicCell {
		return false
	}
	box := geo.NewBoundingBox(t.Cell.Latitude, t.Cell.Longitude, t.Cell.RadiusMeters)
	return box.Contains(c)
}
