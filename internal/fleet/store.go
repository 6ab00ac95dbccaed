package fleet

import (
	"sort"
	"sync"
	"time"

	"fleettrack/internal/clock"
)

// Store is the authoritative in-memory representation of the fleet. It is the
// single place mutations land before any derived computation or broadcast.
//
// Writes to the same identifier serialize on a per-entry mutex; the outer map
// lock is only held long enough to resolve the entry, so updates to different
// vehicles proceed independently and reads never block each other.
type Store struct {
	clock clock.Clock

	mu       sync.RWMutex
	vehicles map[string]*vehicleEntry
	routes   map[string]*routeEntry
}

type vehicleEntry struct {
	mu sync.Mutex
	v  Vehicle
}

type routeEntry struct {
	mu sync.Mutex
	r  Route
}

func NewStore(clk clock.Clock) *Store {
	return &Store{
		clock:    clk,
		vehicles: make(map[string]*vehicleEntry),
		routes:   make(map[string]*routeEntry),
	}
}

// AddVehicle registers a vehicle. The occupancy status is derived from the
// supplied counts, never trusted from the caller. Staleness clocks carried on
// the vehicle survive so snapshots restore with their original report times.
func (s *Store) AddVehicle(v Vehicle) error {
	occAt := v.Occupancy.UpdatedAt
	if occAt.IsZero() {
		occAt = s.clock.Now()
	}
	occ, err := applyOccupancy(Occupancy{}, v.Occupancy.OccupiedSeats, v.Occupancy.TotalSeats, occAt)
	if err != nil {
		return err
	}
	v.Occupancy = occ
	if v.Status == "" {
		v.Status = VehicleActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.vehicles[v.ID]; exists {
		return ErrVehicleExists
	}
	s.vehicles[v.ID] = &vehicleEntry{v: v}
	return nil
}

// AddRoute registers a route. Stops are re-sorted by order before the route
// is stored; duplicate order values are rejected.
func (s *Store) AddRoute(r Route) error {
	r.sortStops()
	if err := validateStopOrders(r.Stops); err != nil {
		return err
	}
	if r.Status == "" {
		r.Status = RouteActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.routes[r.ID]; exists {
		return ErrRouteExists
	}
	s.routes[r.ID] = &routeEntry{r: r}
	return nil
}

// RemoveVehicle deletes a vehicle. Removal is rejected while the vehicle is
// still assigned to an in-service route.
func (s *Store) RemoveVehicle(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.vehicles[id]
	if !ok {
		return ErrVehicleNotFound
	}
	if rid := entry.v.RouteID; rid != "" {
		if re, ok := s.routes[rid]; ok && re.r.Status == RouteActive {
			return ErrVehicleAssigned
		}
	}
	delete(s.vehicles, id)
	return nil
}

// UpsertVehiclePosition records a position report for a known vehicle. The
// position's staleness clock is stamped with the report timestamp; the
// occupancy clock is untouched.
func (s *Store) UpsertVehiclePosition(id string, lat, lon float64, ts time.Time) (Vehicle, error) {
	entry, err := s.vehicleEntry(id)
	if err != nil {
		return Vehicle{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.v.Position.Latitude = lat
	entry.v.Position.Longitude = lon
	entry.v.Position.UpdatedAt = ts
	return entry.v, nil
}

// SetVehicleMotion updates a vehicle's speed, bearing and next-stop reference.
func (s *Store) SetVehicleMotion(id string, speedKmh, bearing float64, nextStopID string) (Vehicle, error) {
	entry, err := s.vehicleEntry(id)
	if err != nil {
		return Vehicle{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.v.SpeedKmh = speedKmh
	entry.v.Bearing = bearing
	if nextStopID != "" {
		entry.v.NextStopID = nextStopID
	}
	return entry.v, nil
}

// UpsertVehicleOccupancy records an occupancy report. The derived status is
// recomputed inside the same transition that validates the counts; a report
// with occupied > total is rejected and the prior state kept intact.
func (s *Store) UpsertVehicleOccupancy(id string, occupied, total int) (Vehicle, error) {
	entry, err := s.vehicleEntry(id)
	if err != nil {
		return Vehicle{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	occ, err := applyOccupancy(entry.v.Occupancy, occupied, total, s.clock.Now())
	if err != nil {
		return Vehicle{}, err
	}
	entry.v.Occupancy = occ
	return entry.v, nil
}

// SetVehicleStatus changes a vehicle's operational status.
func (s *Store) SetVehicleStatus(id string, status VehicleStatus) (Vehicle, error) {
	if !ValidVehicleStatus(status) {
		return Vehicle{}, ErrInvalidStatus
	}
	entry, err := s.vehicleEntry(id)
	if err != nil {
		return Vehicle{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.v.Status = status
	return entry.v, nil
}

// GetVehicle returns a copy of the vehicle.
func (s *Store) GetVehicle(id string) (Vehicle, error) {
	entry, err := s.vehicleEntry(id)
	if err != nil {
		return Vehicle{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.v, nil
}

// ListVehicles returns copies of all vehicles matching the status filter
// (empty filter matches everything), sorted by id.
func (s *Store) ListVehicles(status VehicleStatus) []Vehicle {
	all := s.SnapshotVehicles()
	if status == "" {
		return all
	}
	out := make([]Vehicle, 0, len(all))
	for _, v := range all {
		if v.Status == status {
			out = append(out, v)
		}
	}
	return out
}

// ListVehiclesByRoute returns vehicles assigned to the route, optionally
// filtered by status. Unknown routes are an error, never an empty result.
func (s *Store) ListVehiclesByRoute(routeID string, status VehicleStatus) ([]Vehicle, error) {
	if _, err := s.GetRoute(routeID); err != nil {
		return nil, err
	}
	var out []Vehicle
	for _, v := range s.ListVehicles(status) {
		if v.RouteID == routeID {
			out = append(out, v)
		}
	}
	return out, nil
}

// GetRoute returns a copy of the route, stops included.
func (s *Store) GetRoute(id string) (Route, error) {
	entry, err := s.routeEntry(id)
	if err != nil {
		return Route{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return copyRoute(entry.r), nil
}

// ListRoutes returns copies of all routes matching the status filter (empty
// filter matches everything), sorted by id.
func (s *Store) ListRoutes(status RouteStatus) []Route {
	all := s.SnapshotRoutes()
	if status == "" {
		return all
	}
	out := make([]Route, 0, len(all))
	for _, r := range all {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// SetRouteStatus changes a route's operational status.
func (s *Store) SetRouteStatus(id string, status RouteStatus) (Route, error) {
	entry, err := s.routeEntry(id)
	if err != nil {
		return Route{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.r.Status = status
	return copyRoute(entry.r), nil
}

// ReplaceRouteStops swaps a route's stop sequence. The new sequence is
// re-sorted by order and rejected on duplicate order values, so the stored
// route is always valid.
func (s *Store) ReplaceRouteStops(id string, stops []Stop) (Route, error) {
	sorted := make([]Stop, len(stops))
	copy(sorted, stops)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	if err := validateStopOrders(sorted); err != nil {
		return Route{}, err
	}

	entry, err := s.routeEntry(id)
	if err != nil {
		return Route{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.r.Stops = sorted
	return copyRoute(entry.r), nil
}

// SnapshotVehicles returns copies of every vehicle, sorted by id. Each entry
// is read under its own lock, so no vehicle is observed mid-mutation.
func (s *Store) SnapshotVehicles() []Vehicle {
	s.mu.RLock()
	entries := make([]*vehicleEntry, 0, len(s.vehicles))
	for _, e := range s.vehicles {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Vehicle, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.v)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SnapshotRoutes returns copies of every route, sorted by id.
func (s *Store) SnapshotRoutes() []Route {
	s.mu.RLock()
	entries := make([]*routeEntry, 0, len(s.routes))
	for _, e := range s.routes {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Route, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, copyRoute(e.r))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) vehicleEntry(id string) (*vehicleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.vehicles[id]
	if !ok {
		return nil, ErrVehicleNotFound
	}
	return entry, nil
}

func (s *Store) routeEntry(id string) (*routeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.routes[id]
	if !ok {
		return nil, ErrRouteNotFound
	}
	return entry, nil
}

func copyRoute(r Route) Route {
	out := r
	out.Stops = make([]Stop, len(r.Stops))
	copy(out.Stops, r.Stops)
	return out
}

func validateStopOrders(stops []Stop) error {
	seen := make(map[int]struct{}, len(stops))
	for _, st := range stops {
		if _, dup := seen[st.Order]; dup {
			return ErrDuplicateStopOrder
		}
		seen[st.Order] = struct{}{}
	}
	return nil
}
