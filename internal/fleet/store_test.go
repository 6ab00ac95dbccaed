package fleet

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/clock"
	"fleettrack/internal/geo"
)

var testNow = time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(clock.Fixed(testNow))

	require.NoError(t, s.AddRoute(Route{
		ID:     "route-9",
		Name:   "City Circle",
		Number: "9C",
		Status: RouteActive,
		Stops: []Stop{
			{ID: "stop-c", Name: "Koti", Coordinates: geo.Coordinates{Latitude: 17.3850, Longitude: 78.4867}, Order: 3, MinutesFromStart: 24},
			{ID: "stop-a", Name: "Secunderabad", Coordinates: geo.Coordinates{Latitude: 17.4399, Longitude: 78.4983}, Order: 1, MinutesFromStart: 0},
			{ID: "stop-b", Name: "Begumpet", Coordinates: geo.Coordinates{Latitude: 17.4435, Longitude: 78.4612}, Order: 2, MinutesFromStart: 12},
		},
		HeadwayMinutes: 10,
	}))
	require.NoError(t, s.AddVehicle(Vehicle{
		ID:      "bus-1",
		Number:  "TS-09-1001",
		RouteID: "route-9",
		Status:  VehicleActive,
		Position: Position{
			Coordinates: geo.Coordinates{Latitude: 17.4435, Longitude: 78.5012},
		},
		Occupancy: Occupancy{TotalSeats: 40, OccupiedSeats: 30},
	}))
	return s
}

func TestUpsertVehicleOccupancy(t *testing.T) {
	t.Run("recomputes derived status on every mutation", func(t *testing.T) {
		s := newTestStore(t)

		v, err := s.UpsertVehicleOccupancy("bus-1", 10, 40)
		require.NoError(t, err)
		assert.Equal(t, OccupancyAvailable, v.Occupancy.Status)

		v, err = s.UpsertVehicleOccupancy("bus-1", 28, 40)
		require.NoError(t, err)
		assert.Equal(t, OccupancyNearlyFull, v.Occupancy.Status, "70%% is Nearly Full")

		v, err = s.UpsertVehicleOccupancy("bus-1", 36, 40)
		require.NoError(t, err)
		assert.Equal(t, OccupancyOvercrowded, v.Occupancy.Status, "90%% is Overcrowded")
	})

	t.Run("38 of 40 seats is overcrowded at 95 percent", func(t *testing.T) {
		s := newTestStore(t)

		v, err := s.UpsertVehicleOccupancy("bus-1", 38, 40)
		require.NoError(t, err)
		assert.Equal(t, OccupancyOvercrowded, v.Occupancy.Status)
		assert.Equal(t, 95, v.OccupancyPercentage())
		assert.Equal(t, 2, v.AvailableSeats())
	})

	t.Run("rejects occupied above total and keeps prior state", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.UpsertVehicleOccupancy("bus-1", 41, 40)
		assert.ErrorIs(t, err, ErrOccupancyRange)

		v, err := s.GetVehicle("bus-1")
		require.NoError(t, err)
		assert.Equal(t, 30, v.Occupancy.OccupiedSeats)
		assert.Equal(t, 40, v.Occupancy.TotalSeats)
	})

	t.Run("rejects negative occupancy and zero capacity", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.UpsertVehicleOccupancy("bus-1", -1, 40)
		assert.ErrorIs(t, err, ErrOccupancyRange)
		_, err = s.UpsertVehicleOccupancy("bus-1", 0, 0)
		assert.ErrorIs(t, err, ErrOccupancyRange)
	})

	t.Run("unknown vehicle is NotFound, never created", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.UpsertVehicleOccupancy("ghost", 1, 40)
		assert.ErrorIs(t, err, ErrVehicleNotFound)
		_, err = s.GetVehicle("ghost")
		assert.ErrorIs(t, err, ErrVehicleNotFound)
	})
}

func TestIndependentStalenessClocks(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpsertVehicleOccupancy("bus-1", 12, 40)
	require.NoError(t, err)

	reportTime := testNow.Add(5 * time.Minute)
	v, err := s.UpsertVehiclePosition("bus-1", 17.45, 78.50, reportTime)
	require.NoError(t, err)

	assert.Equal(t, reportTime, v.Position.UpdatedAt)
	assert.Equal(t, testNow, v.Occupancy.UpdatedAt, "position report must not refresh the occupancy clock")
}

func TestAddVehicleKeepsStalenessClocks(t *testing.T) {
	s := newTestStore(t)

	posAt := testNow.Add(-20 * time.Minute)
	occAt := testNow.Add(-8 * time.Minute)
	require.NoError(t, s.AddVehicle(Vehicle{
		ID:      "bus-2",
		Number:  "TS-09-1002",
		RouteID: "route-9",
		Position: Position{
			Coordinates: geo.Coordinates{Latitude: 17.44, Longitude: 78.50},
			UpdatedAt:   posAt,
		},
		Occupancy: Occupancy{TotalSeats: 40, OccupiedSeats: 12, UpdatedAt: occAt},
	}))

	v, err := s.GetVehicle("bus-2")
	require.NoError(t, err)
	assert.Equal(t, posAt, v.Position.UpdatedAt)
	assert.Equal(t, occAt, v.Occupancy.UpdatedAt, "restored snapshots keep their report times")

	require.NoError(t, s.AddVehicle(Vehicle{
		ID:        "bus-3",
		Number:    "TS-09-1003",
		RouteID:   "route-9",
		Occupancy: Occupancy{TotalSeats: 40, OccupiedSeats: 5},
	}))
	v, err = s.GetVehicle("bus-3")
	require.NoError(t, err)
	assert.Equal(t, testNow, v.Occupancy.UpdatedAt, "fresh vehicles stamp the current time")
}

func TestSetVehicleStatus(t *testing.T) {
	s := newTestStore(t)

	v, err := s.SetVehicleStatus("bus-1", VehicleMaintenance)
	require.NoError(t, err)
	assert.Equal(t, VehicleMaintenance, v.Status)

	_, err = s.SetVehicleStatus("bus-1", VehicleStatus("Parked"))
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = s.SetVehicleStatus("ghost", VehicleActive)
	assert.ErrorIs(t, err, ErrVehicleNotFound)
}

func TestRouteStopOrdering(t *testing.T) {
	t.Run("stops are stored sorted by order", func(t *testing.T) {
		s := newTestStore(t)

		r, err := s.GetRoute("route-9")
		require.NoError(t, err)
		require.Len(t, r.Stops, 3)
		assert.Equal(t, []string{"stop-a", "stop-b", "stop-c"},
			[]string{r.Stops[0].ID, r.Stops[1].ID, r.Stops[2].ID})
	})

	t.Run("next stop wraps circularly after the last", func(t *testing.T) {
		s := newTestStore(t)
		r, err := s.GetRoute("route-9")
		require.NoError(t, err)

		next, ok := r.NextStop(1)
		require.True(t, ok)
		assert.Equal(t, "stop-b", next.ID)

		next, ok = r.NextStop(3)
		require.True(t, ok)
		assert.Equal(t, "stop-a", next.ID, "stop after the last is the first")
	})

	t.Run("replacing stops re-sorts before the route is valid", func(t *testing.T) {
		s := newTestStore(t)

		r, err := s.ReplaceRouteStops("route-9", []Stop{
			{ID: "stop-y", Order: 2},
			{ID: "stop-x", Order: 1},
		})
		require.NoError(t, err)
		assert.Equal(t, "stop-x", r.Stops[0].ID)

		_, err = s.ReplaceRouteStops("route-9", []Stop{
			{ID: "stop-x", Order: 1},
			{ID: "stop-y", Order: 1},
		})
		assert.ErrorIs(t, err, ErrDuplicateStopOrder)
	})
}

func TestRemoveVehicle(t *testing.T) {
	s := newTestStore(t)

	t.Run("rejected while assigned to an active route", func(t *testing.T) {
		err := s.RemoveVehicle("bus-1")
		assert.ErrorIs(t, err, ErrVehicleAssigned)
	})

	t.Run("allowed once the route is out of service", func(t *testing.T) {
		_, err := s.SetRouteStatus("route-9", RouteInactive)
		require.NoError(t, err)
		require.NoError(t, s.RemoveVehicle("bus-1"))

		_, err = s.GetVehicle("bus-1")
		assert.ErrorIs(t, err, ErrVehicleNotFound)
	})
}

func TestListVehiclesByRoute(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddVehicle(Vehicle{
		ID: "bus-2", RouteID: "route-9", Status: VehicleInactive,
		Occupancy: Occupancy{TotalSeats: 40},
	}))

	t.Run("status filter", func(t *testing.T) {
		active, err := s.ListVehiclesByRoute("route-9", VehicleActive)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "bus-1", active[0].ID)

		all, err := s.ListVehiclesByRoute("route-9", "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("unknown route is an error", func(t *testing.T) {
		_, err := s.ListVehiclesByRoute("route-404", "")
		assert.ErrorIs(t, err, ErrRouteNotFound)
	})
}

func TestConcurrentMutationsSameVehicle(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			occupied := n % 41
			if _, err := s.UpsertVehicleOccupancy("bus-1", occupied, 40); err != nil {
				t.Errorf("occupancy update %d: %v", n, err)
			}
			if _, err := s.UpsertVehiclePosition("bus-1", 17.4+float64(n)*1e-4, 78.5, testNow); err != nil {
				t.Errorf("position update %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	v, err := s.GetVehicle("bus-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, v.Occupancy.OccupiedSeats, v.Occupancy.TotalSeats)

	// Whatever interleaving won, the derived status must match the ratio.
	ratio := float64(v.Occupancy.OccupiedSeats) / float64(v.Occupancy.TotalSeats)
	switch {
	case ratio < 0.70:
		assert.Equal(t, OccupancyAvailable, v.Occupancy.Status)
	case ratio < 0.90:
		assert.Equal(t, OccupancyNearlyFull, v.Occupancy.Status)
	default:
		assert.Equal(t, OccupancyOvercrowded, v.Occupancy.Status)
	}
}

func TestSnapshotVehiclesSorted(t *testing.T) {
	s := newTestStore(t)
	for i := 9; i >= 2; i-- {
		require.NoError(t, s.AddVehicle(Vehicle{
			ID: fmt.Sprintf("bus-%d", i), RouteID: "route-9",
			Occupancy: Occupancy{TotalSeats: 40},
		}))
	}

	snap := s.SnapshotVehicles()
	require.Len(t, snap, 9)
	for i := 1; i < len(snap); i++ {
		assert.Less(t, snap[i-1].ID, snap[i].ID)
	}
}
