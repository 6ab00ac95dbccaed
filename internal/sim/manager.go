// Package sim synthesizes position, occupancy and speed changes for a fleet
// of vehicles and feeds them through the store and broadcast router exactly
// as live device reports would arrive.
package sim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fleettrack/internal/broadcast"
	"fleettrack/internal/clock"
	"fleettrack/internal/fleet"
	"fleettrack/internal/geo"
)

// Metrics is the simulator's instrumentation hook.
type Metrics interface {
	VehiclesSimulatedSet(n int)
	TickObserve(d time.Duration)
}

// Manager drives one goroutine per simulated vehicle. Each goroutine runs on
// its own schedule (base interval plus random jitter) so updates stagger like
// real traffic instead of arriving on a global tick.
type Manager struct {
	store   *fleet.Store
	router  *broadcast.Router
	clock   clock.Clock
	policy  Policy
	metrics Metrics

	mu      sync.Mutex
	running map[string]context.CancelFunc // vehicleID -> cancel
	wg      sync.WaitGroup
}

func NewManager(store *fleet.Store, router *broadcast.Router, clk clock.Clock, policy Policy, metrics Metrics) *Manager {
	return &Manager{
		store:   store,
		router:  router,
		clock:   clk,
		policy:  policy,
		metrics: metrics,
		running: make(map[string]context.CancelFunc),
	}
}

// Start launches a simulation goroutine for every Active vehicle currently in
// the store.
func (m *Manager) Start(ctx context.Context) {
	for _, v := range m.store.ListVehicles(fleet.VehicleActive) {
		m.startVehicle(ctx, v.ID)
	}
}

func (m *Manager) startVehicle(parent context.Context, vehicleID string) {
	m.mu.Lock()
	if _, exists := m.running[vehicleID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.running[vehicleID] = cancel
	m.wg.Add(1)
	if m.metrics != nil {
		m.metrics.VehiclesSimulatedSet(len(m.running))
	}
	m.mu.Unlock()

	log.Info().Str("vehicle", vehicleID).Msg("starting vehicle simulation")
	go func() {
		defer m.wg.Done()
		m.runVehicle(ctx, vehicleID)
		m.mu.Lock()
		delete(m.running, vehicleID)
		if m.metrics != nil {
			m.metrics.VehiclesSimulatedSet(len(m.running))
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) runVehicle(ctx context.Context, vehicleID string) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(len(vehicleID))))

	// Each vehicle reports through its own driver-role device connection, so
	// the reports pass the same role gate as a real feed.
	connID := "sim-device-" + vehicleID
	if err := m.router.Register(connID, "simulator", broadcast.RoleDriver, broadcast.SenderFunc(func(broadcast.Event) {})); err != nil {
		log.Error().Err(err).Str("vehicle", vehicleID).Msg("device connection rejected")
		return
	}
	defer m.router.Close(connID)

	interval := m.policy.BaseInterval
	if m.policy.JitterMax > 0 {
		interval += time.Duration(rng.Int63n(int64(m.policy.JitterMax)))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := m.step(connID, vehicleID, rng); err != nil {
				log.Error().Err(err).Str("vehicle", vehicleID).Msg("simulation step failed")
				return
			}
			if m.metrics != nil {
				m.metrics.TickObserve(time.Since(start))
			}
		}
	}
}

// step advances one vehicle by a single update: move towards the next stop,
// recompute bearing and speed, and occasionally perturb occupancy. Every
// mutation flows through the router's report actions.
func (m *Manager) step(connID, vehicleID string, rng *rand.Rand) error {
	v, err := m.store.GetVehicle(vehicleID)
	if err != nil {
		return err
	}
	route, err := m.store.GetRoute(v.RouteID)
	if err != nil {
		return err
	}

	now := m.clock.Now()
	next, moved := nextPosition(route, v.Position.Coordinates, m.policy, rng)
	bearing := v.Bearing
	nextStopID := v.NextStopID
	if moved.ok {
		bearing = geo.BearingDegrees(v.Position.Coordinates, next)
		nextStopID = moved.target.ID
	}
	speed := m.policy.nextSpeed(v.SpeedKmh, now.Hour(), rng)

	if err := m.router.ReportPosition(connID, broadcast.PositionReport{
		VehicleID:  vehicleID,
		Latitude:   next.Latitude,
		Longitude:  next.Longitude,
		SpeedKmh:   speed,
		Bearing:    bearing,
		NextStopID: nextStopID,
		Timestamp:  now,
	}); err != nil {
		return err
	}

	if rng.Float64() < m.policy.OccupancyChangeChance {
		occupied := m.policy.nextOccupancy(v.Occupancy.OccupiedSeats, v.Occupancy.TotalSeats, now.Hour(), rng)
		if err := m.router.ReportOccupancy(connID, vehicleID, occupied, v.Occupancy.TotalSeats); err != nil {
			return err
		}
	}
	return nil
}

type movement struct {
	ok     bool
	target fleet.Stop
}

// nextPosition finds the route's nearest stop to the current position,
// targets the stop after it (wrapping circularly), and moves a random
// fraction of the remaining vector plus a little positional noise. Routes
// with fewer than two stops leave the vehicle where it is.
func nextPosition(route fleet.Route, cur geo.Coordinates, policy Policy, rng *rand.Rand) (geo.Coordinates, movement) {
	if len(route.Stops) < 2 {
		return cur, movement{}
	}
	nearest, _ := route.NearestStop(cur)
	target, _ := route.NextStop(nearest.Order)

	progress := rng.Float64() * policy.MoveFractionMax
	next := geo.Coordinates{
		Latitude:  cur.Latitude + (target.Coordinates.Latitude-cur.Latitude)*progress,
		Longitude: cur.Longitude + (target.Coordinates.Longitude-cur.Longitude)*progress,
	}
	next.Latitude += (rng.Float64() - 0.5) * policy.PositionJitterDeg
	next.Longitude += (rng.Float64() - 0.5) * policy.PositionJitterDeg
	return next, movement{ok: true, target: target}
}

// Stop cancels every vehicle goroutine and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
