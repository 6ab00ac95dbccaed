// Package geoquery answers proximity questions against the fleet store using
// bounding-box search. The box is an approximation of a circular radius; it
// is isolated behind this engine so an index-backed exact query could replace
// it without touching callers.
package geoquery

import (
	"fleettrack/internal/fleet"
	"fleettrack/internal/geo"
)

type Engine struct {
	store *fleet.Store
}

func New(store *fleet.Store) *Engine {
	return &Engine{store: store}
}

// NearbyVehicles returns Active vehicles whose position falls inside the
// bounding box for the radius. Evaluation runs against a single snapshot of
// the store, and an empty result is a valid answer, not an error.
func (e *Engine) NearbyVehicles(lat, lon, radiusMeters float64) []fleet.Vehicle {
	box := geo.NewBoundingBox(lat, lon, radiusMeters)

	matched := []fleet.Vehicle{}
	for _, v := range e.store.SnapshotVehicles() {
		if v.Status != fleet.VehicleActive {
			continue
		}
		if box.Contains(v.Position.Coordinates) {
			matched = append(matched, v)
		}
	}
	return matched
}

// RoutesNearArea returns Active routes with at least one stop inside the
// bounding box for the radius.
func (e *Engine) RoutesNearArea(lat, lon, radiusMeters float64) []fleet.Route {
	box := geo.NewBoundingBox(lat, lon, radiusMeters)

	matched := []fleet.Route{}
	for _, r := range e.store.SnapshotRoutes() {
		if r.Status != fleet.RouteActive {
			continue
		}
		for _, stop := range r.Stops {
			if box.Contains(stop.Coordinates) {
				matched = append(matched, r)
				break
			}
		}
	}
	return matched
}
