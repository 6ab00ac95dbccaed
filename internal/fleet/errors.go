package fleet

import "errors"

var (
	ErrVehicleNotFound = errors.New("vehicle not found")
	ErrRouteNotFound   = errors.New("route not found")
	ErrVehicleExists   = errors.New("vehicle already registered")
	ErrRouteExists     = errors.New("route already registered")
	ErrOccupancyRange  = errors.New("occupied seats outside [0, total seats]")
	ErrCoordinateRange = errors.New("coordinates outside valid range")
	ErrVehicleAssigned = errors.New("vehicle still assigned to an in-service route")
	ErrInvalidStatus   = errors.New("invalid status value")

	ErrDuplicateStopOrder = errors.New("duplicate stop order within route")
)
