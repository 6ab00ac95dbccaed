// Package httpapi exposes the REST surface over gin. Handlers validate input
// and translate store errors to status codes; fleet semantics live in the
// store, proximity search in the query engine, and event fan-out in the
// broadcast router.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"fleettrack/internal/arrivals"
	"fleettrack/internal/broadcast"
	"fleettrack/internal/clock"
	"fleettrack/internal/fleet"
	"fleettrack/internal/geoquery"
)

type Server struct {
	store     *fleet.Store
	query     *geoquery.Engine
	estimator *arrivals.Estimator
	router    *broadcast.Router
	clock     clock.Clock
}

func NewServer(store *fleet.Store, query *geoquery.Engine, estimator *arrivals.Estimator, router *broadcast.Router, clk clock.Clock) *Server {
	return &Server{store: store, query: query, estimator: estimator, router: router, clock: clk}
}

// Mount registers the REST routes on a gin engine.
func (s *Server) Mount(r *gin.Engine) {
	api := r.Group("/api")

	vehicles := api.Group("/vehicles")
	vehicles.GET("", s.listVehicles)
	vehicles.GET("/nearby", s.nearbyVehicles)
	vehicles.GET("/:id", s.getVehicle)
	vehicles.POST("", s.createVehicle)
	vehicles.POST("/update-location", s.updateLocation)
	vehicles.PATCH("/:id/status", s.setVehicleStatus)
	vehicles.PATCH("/:id/occupancy", s.setOccupancy)
	vehicles.DELETE("/:id", s.removeVehicle)

	routes := api.Group("/routes")
	routes.GET("", s.listRoutes)
	routes.GET("/nearby", s.nearbyRoutes)
	routes.GET("/:id", s.getRoute)
	routes.GET("/:id/stops", s.getRouteStops)
	routes.GET("/:id/arrivals", s.getRouteArrivals)
	routes.POST("", s.createRoute)
	routes.PATCH("/:id/status", s.setRouteStatus)
	routes.PUT("/:id/stops", s.replaceRouteStops)
}

func (s *Server) listVehicles(c *gin.Context) {
	status := fleet.VehicleStatus(c.Query("status"))
	routeID := c.Query("routeId")

	var (
		vehicles []fleet.Vehicle
		err      error
	)
	if routeID != "" {
		vehicles, err = s.store.ListVehiclesByRoute(routeID, status)
		if err != nil {
			abortWith(c, err)
			return
		}
	} else {
		vehicles = s.store.ListVehicles(status)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(vehicles), "data": vehicles})
}

// Coordinates bind through pointers so that a legitimate 0 (equator, prime
// meridian) is distinguishable from an absent parameter.
type nearbyQuery struct {
	Latitude  *float64 `form:"latitude" binding:"required,min=-90,max=90"`
	Longitude *float64 `form:"longitude" binding:"required,min=-180,max=180"`
	Radius    float64  `form:"radius"`
}

func (s *Server) nearbyVehicles(c *gin.Context) {
	var q nearbyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if q.Radius <= 0 {
		q.Radius = 5000
	}
	vehicles := s.query.NearbyVehicles(*q.Latitude, *q.Longitude, q.Radius)
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(vehicles), "data": vehicles})
}

func (s *Server) getVehicle(c *gin.Context) {
	v, err := s.store.GetVehicle(c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": v})
}

func (s *Server) createVehicle(c *gin.Context) {
	var v fleet.Vehicle
	if err := c.ShouldBindJSON(&v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if v.ID == "" || v.Number == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "id and number are required"})
		return
	}
	if err := s.store.AddVehicle(v); err != nil {
		abortWith(c, err)
		return
	}
	created, err := s.store.GetVehicle(v.ID)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": created})
}

type locationUpdate struct {
	VehicleID  string   `json:"vehicleId" binding:"required"`
	Latitude   *float64 `json:"latitude" binding:"required,min=-90,max=90"`
	Longitude  *float64 `json:"longitude" binding:"required,min=-180,max=180"`
	Speed      float64  `json:"speed"`
	Direction  float64  `json:"direction"`
	NextStopID string   `json:"nextStopId"`
}

// updateLocation applies a trusted device report arriving over HTTP instead
// of a live socket, then announces it through the broadcast router.
func (s *Server) updateLocation(c *gin.Context) {
	var req locationUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if _, err := s.store.UpsertVehiclePosition(req.VehicleID, *req.Latitude, *req.Longitude, s.clock.Now()); err != nil {
		abortWith(c, err)
		return
	}
	v, err := s.store.SetVehicleMotion(req.VehicleID, req.Speed, req.Direction, req.NextStopID)
	if err != nil {
		abortWith(c, err)
		return
	}
	if err := s.router.AnnouncePosition(v.ID); err != nil {
		log.Warn().Err(err).Str("vehicle_id", v.ID).Msg("position announce failed")
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": v})
}

type statusUpdate struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) setVehicleStatus(c *gin.Context) {
	var req statusUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	v, err := s.store.SetVehicleStatus(c.Param("id"), fleet.VehicleStatus(req.Status))
	if err != nil {
		abortWith(c, err)
		return
	}
	if err := s.router.AnnounceStatus(v.ID); err != nil {
		log.Warn().Err(err).Str("vehicle_id", v.ID).Msg("status announce failed")
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": v})
}

type occupancyBody struct {
	OccupiedSeats *int `json:"occupiedSeats" binding:"required"`
	TotalSeats    int  `json:"totalSeats" binding:"required,min=1"`
}

func (s *Server) setOccupancy(c *gin.Context) {
	var req occupancyBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	v, err := s.store.UpsertVehicleOccupancy(c.Param("id"), *req.OccupiedSeats, req.TotalSeats)
	if err != nil {
		abortWith(c, err)
		return
	}
	if err := s.router.AnnounceOccupancy(v.ID); err != nil {
		log.Warn().Err(err).Str("vehicle_id", v.ID).Msg("occupancy announce failed")
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": v})
}

func (s *Server) removeVehicle(c *gin.Context) {
	if err := s.store.RemoveVehicle(c.Param("id")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) listRoutes(c *gin.Context) {
	routes := s.store.ListRoutes(fleet.RouteStatus(c.Query("status")))
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(routes), "data": routes})
}

func (s *Server) nearbyRoutes(c *gin.Context) {
	var q nearbyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if q.Radius <= 0 {
		q.Radius = 5000
	}
	routes := s.query.RoutesNearArea(*q.Latitude, *q.Longitude, q.Radius)
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(routes), "data": routes})
}

func (s *Server) getRoute(c *gin.Context) {
	r, err := s.store.GetRoute(c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": r})
}

func (s *Server) getRouteStops(c *gin.Context) {
	r, err := s.store.GetRoute(c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(r.Stops), "data": r.Stops})
}

func (s *Server) getRouteArrivals(c *gin.Context) {
	est, err := s.estimator.EstimateRoute(c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": est})
}

func (s *Server) createRoute(c *gin.Context) {
	var r fleet.Route
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if r.ID == "" || r.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "id and routeName are required"})
		return
	}
	if err := s.store.AddRoute(r); err != nil {
		abortWith(c, err)
		return
	}
	created, err := s.store.GetRoute(r.ID)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": created})
}

func (s *Server) setRouteStatus(c *gin.Context) {
	var req statusUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	r, err := s.store.SetRouteStatus(c.Param("id"), fleet.RouteStatus(req.Status))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": r})
}

type stopsBody struct {
	Stops []fleet.Stop `json:"stops" binding:"required"`
}

func (s *Server) replaceRouteStops(c *gin.Context) {
	var req stopsBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	r, err := s.store.ReplaceRouteStops(c.Param("id"), req.Stops)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": r})
}

// abortWith maps store errors onto HTTP status codes.
func abortWith(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fleet.ErrVehicleNotFound), errors.Is(err, fleet.ErrRouteNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fleet.ErrVehicleExists), errors.Is(err, fleet.ErrRouteExists),
		errors.Is(err, fleet.ErrVehicleAssigned):
		status = http.StatusConflict
	case errors.Is(err, fleet.ErrOccupancyRange), errors.Is(err, fleet.ErrCoordinateRange),
		errors.Is(err, fleet.ErrInvalidStatus), errors.Is(err, fleet.ErrDuplicateStopOrder):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}
