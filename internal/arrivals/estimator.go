// Package arrivals predicts vehicle arrival times per stop. The estimate is
// intentionally simple: straight-line distance over a constant reference
// speed. A stronger estimator may substitute live speed and path-following
// distance without changing the stop-to-ranked-arrivals contract.
package arrivals

import (
	"math"
	"sort"
	"time"

	"fleettrack/internal/clock"
	"fleettrack/internal/fleet"
	"fleettrack/internal/geo"
)

// DefaultReferenceSpeedKmh is the assumed average city speed used to turn
// distance into minutes. It is policy, not physics, so it stays configurable.
const DefaultReferenceSpeedKmh = 30.0

type Estimator struct {
	store    *fleet.Store
	clock    clock.Clock
	speedKmh float64
}

func NewEstimator(store *fleet.Store, clk clock.Clock, referenceSpeedKmh float64) *Estimator {
	if referenceSpeedKmh <= 0 {
		referenceSpeedKmh = DefaultReferenceSpeedKmh
	}
	return &Estimator{store: store, clock: clk, speedKmh: referenceSpeedKmh}
}

// VehicleArrival is one vehicle's predicted arrival at a stop.
type VehicleArrival struct {
	VehicleID        string    `json:"vehicleId"`
	VehicleNumber    string    `json:"vehicleNumber"`
	DistanceKm       float64   `json:"distance"`
	EstimatedArrival time.Time `json:"estimatedArrival"`
}

// StopArrivals is a stop with its ranked vehicle-arrival list, ascending by
// estimated arrival time.
type StopArrivals struct {
	StopID      string           `json:"stopId"`
	StopName    string           `json:"stopName"`
	Coordinates geo.Coordinates  `json:"coordinates"`
	Vehicles    []VehicleArrival `json:"buses"`
}

// RouteArrivals maps every stop of a route to its ranked arrival list.
type RouteArrivals struct {
	RouteID     string         `json:"routeId"`
	RouteName   string         `json:"routeName"`
	RouteNumber string         `json:"routeNumber"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Stops       []StopArrivals `json:"arrivals"`
}

// EstimateRoute computes, for every stop on the route, the predicted arrival
// of each currently Active vehicle. Stops with no active vehicles produce an
// empty list, not an error. Ties keep the stable input order of the fleet
// snapshot.
func (e *Estimator) EstimateRoute(routeID string) (RouteArrivals, error) {
	route, err := e.store.GetRoute(routeID)
	if err != nil {
		return RouteArrivals{}, err
	}
	vehicles, err := e.store.ListVehiclesByRoute(routeID, fleet.VehicleActive)
	if err != nil {
		return RouteArrivals{}, err
	}

	now := e.clock.Now()
	out := RouteArrivals{
		RouteID:     route.ID,
		RouteName:   route.Name,
		RouteNumber: route.Number,
		GeneratedAt: now,
		Stops:       make([]StopArrivals, 0, len(route.Stops)),
	}

	for _, stop := range route.Stops {
		sa := StopArrivals{
			StopID:      stop.ID,
			StopName:    stop.Name,
			Coordinates: stop.Coordinates,
			Vehicles:    make([]VehicleArrival, 0, len(vehicles)),
		}
		for _, v := range vehicles {
			distance := geo.DistanceKm(v.Position.Coordinates, stop.Coordinates)
			minutes := distance / e.speedKmh * 60
			sa.Vehicles = append(sa.Vehicles, VehicleArrival{
				VehicleID:        v.ID,
				VehicleNumber:    v.Number,
				DistanceKm:       math.Round(distance*100) / 100,
				EstimatedArrival: now.Add(time.Duration(minutes * float64(time.Minute))),
			})
		}
		sort.SliceStable(sa.Vehicles, func(i, j int) bool {
			return sa.Vehicles[i].EstimatedArrival.Before(sa.Vehicles[j].EstimatedArrival)
		})
		out.Stops = append(out.Stops, sa)
	}
	return out, nil
}
