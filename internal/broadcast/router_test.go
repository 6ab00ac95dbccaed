package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/clock"
	"fleettrack/internal/fleet"
	"fleettrack/internal/geo"
)

var routerNow = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

type captureSender struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSender) Send(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureSender) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ofType filters captured events by category, skipping subscription echoes.
func (c *captureSender) ofType(category string) []Event {
	var out []Event
	for _, e := range c.all() {
		if e.Type == category {
			out = append(out, e)
		}
	}
	return out
}

func newTestRouter(t *testing.T) (*Router, *fleet.Store) {
	t.Helper()
	store := fleet.NewStore(clock.Fixed(routerNow))
	require.NoError(t, store.AddRoute(fleet.Route{
		ID: "route-9", Status: fleet.RouteActive,
		Stops: []fleet.Stop{{ID: "stop-a", Order: 1, Coordinates: geo.Coordinates{Latitude: 17.3850, Longitude: 78.4867}}},
	}))
	require.NoError(t, store.AddVehicle(fleet.Vehicle{
		ID: "bus-1", Number: "TS-09-1001", RouteID: "route-9", Status: fleet.VehicleActive,
		Position:  fleet.Position{Coordinates: geo.Coordinates{Latitude: 17.4435, Longitude: 78.5012}},
		Occupancy: fleet.Occupancy{TotalSeats: 40, OccupiedSeats: 30},
	}))
	return NewRouter(store, clock.Fixed(routerNow), nil), store
}

func TestSubscribeIdempotent(t *testing.T) {
	router, _ := newTestRouter(t)
	sub := &captureSender{}
	require.NoError(t, router.Register("conn-1", "rider", RoleAnonymous, sub))

	topic := RouteTopic("route-9")
	require.NoError(t, router.Subscribe("conn-1", topic))
	require.NoError(t, router.Subscribe("conn-1", topic))

	t.Run("both calls are confirmed to the requester", func(t *testing.T) {
		confirmations := sub.ofType(EventSubscription)
		require.Len(t, confirmations, 2)
		for _, e := range confirmations {
			conf := e.Data.(SubscriptionConfirmation)
			assert.Equal(t, "subscribed", conf.Action)
			assert.Equal(t, "route:route-9", conf.Topic)
		}
	})

	t.Run("exactly one active subscription", func(t *testing.T) {
		assert.Len(t, router.Topics("conn-1"), 1)
	})

	t.Run("one publish delivers exactly one event", func(t *testing.T) {
		router.PublishAlert(ServiceAlert{Type: "delay", Message: "running late", Severity: SeverityWarning, RouteID: "route-9"})
		assert.Len(t, sub.ofType(EventAlert), 1)
	})
}

func TestUnsubscribe(t *testing.T) {
	router, _ := newTestRouter(t)
	sub := &captureSender{}
	require.NoError(t, router.Register("conn-1", "", RoleAnonymous, sub))

	topic := VehicleTopic("bus-1")
	require.NoError(t, router.Subscribe("conn-1", topic))
	require.NoError(t, router.Unsubscribe("conn-1", topic))
	assert.Empty(t, router.Topics("conn-1"))

	t.Run("unsubscribing a topic not held is a no-op with a confirmation", func(t *testing.T) {
		require.NoError(t, router.Unsubscribe("conn-1", RouteTopic("route-404")))
		confs := sub.ofType(EventSubscription)
		require.Len(t, confs, 3)
		last := confs[len(confs)-1].Data.(SubscriptionConfirmation)
		assert.Equal(t, "unsubscribed", last.Action)
	})

	t.Run("scoped alerts no longer reach the connection", func(t *testing.T) {
		router.PublishAlert(ServiceAlert{Message: "closed", VehicleID: "bus-1"})
		assert.Empty(t, sub.ofType(EventAlert))
	})
}

func TestOccupancyReportFansOutGlobally(t *testing.T) {
	router, store := newTestRouter(t)

	driver := &captureSender{}
	observer := &captureSender{}
	require.NoError(t, router.Register("driver-1", "driver one", RoleDriver, driver))
	require.NoError(t, router.Register("observer-1", "", RoleAnonymous, observer))

	// Vehicle at (17.4435,78.5012) with 30/40 occupied reports 38 occupied.
	require.NoError(t, router.ReportOccupancy("driver-1", "bus-1", 38, 40))

	v, err := store.GetVehicle("bus-1")
	require.NoError(t, err)
	assert.Equal(t, fleet.OccupancyOvercrowded, v.Occupancy.Status)

	events := observer.ofType(EventOccupancy)
	require.Len(t, events, 1, "occupancy updates reach unsubscribed connections via the global feed")
	payload := events[0].Data.(OccupancyUpdate)
	assert.Equal(t, 95, payload.OccupancyPercentage)
	assert.Equal(t, 2, payload.AvailableSeats)
	assert.Equal(t, fleet.OccupancyOvercrowded, payload.Occupancy.Status)
}

func TestAnonymousReportRejectedSilently(t *testing.T) {
	router, store := newTestRouter(t)

	anon := &captureSender{}
	observer := &captureSender{}
	require.NoError(t, router.Register("anon-1", "", RoleAnonymous, anon))
	require.NoError(t, router.Register("observer-1", "", RoleAnonymous, observer))

	before, err := store.GetVehicle("bus-1")
	require.NoError(t, err)

	err = router.ReportPosition("anon-1", PositionReport{
		VehicleID: "bus-1", Latitude: 17.5, Longitude: 78.6, SpeedKmh: 35,
	})
	assert.NoError(t, err, "rejection is silent, not an error")

	after, err := store.GetVehicle("bus-1")
	require.NoError(t, err)
	assert.Equal(t, before.Position, after.Position, "store must be unchanged")
	assert.Empty(t, observer.ofType(EventPosition), "no event may be published")

	t.Run("occupancy and alerts are gated the same way", func(t *testing.T) {
		assert.NoError(t, router.ReportOccupancy("anon-1", "bus-1", 1, 40))
		assert.NoError(t, router.RaiseAlert("anon-1", ServiceAlert{Message: "nope"}))
		assert.Empty(t, observer.ofType(EventOccupancy))
		assert.Empty(t, observer.ofType(EventAlert))
	})

	t.Run("drivers cannot raise alerts", func(t *testing.T) {
		driver := &captureSender{}
		require.NoError(t, router.Register("driver-1", "", RoleDriver, driver))
		assert.NoError(t, router.RaiseAlert("driver-1", ServiceAlert{Message: "still nope"}))
		assert.Empty(t, observer.ofType(EventAlert))
	})
}

func TestReportPositionUpdatesStoreAndPublishes(t *testing.T) {
	router, store := newTestRouter(t)

	driver := &captureSender{}
	cellSub := &captureSender{}
	require.NoError(t, router.Register("driver-1", "", RoleDriver, driver))
	require.NoError(t, router.Register("cell-1", "", RoleAnonymous, cellSub))
	require.NoError(t, router.Subscribe("cell-1", CellTopic(17.50, 78.60, 5000)))

	reportTime := routerNow.Add(time.Minute)
	require.NoError(t, router.ReportPosition("driver-1", PositionReport{
		VehicleID: "bus-1", Latitude: 17.50, Longitude: 78.60,
		SpeedKmh: 42, Bearing: 135, NextStopID: "stop-a", Timestamp: reportTime,
	}))

	v, err := store.GetVehicle("bus-1")
	require.NoError(t, err)
	assert.Equal(t, 17.50, v.Position.Latitude)
	assert.Equal(t, reportTime, v.Position.UpdatedAt)
	assert.Equal(t, 42.0, v.SpeedKmh)
	assert.Equal(t, "stop-a", v.NextStopID)

	t.Run("cell subscribers with a covering area get the update once", func(t *testing.T) {
		events := cellSub.ofType(EventPosition)
		require.Len(t, events, 1)
		payload := events[0].Data.(PositionUpdate)
		assert.Equal(t, "bus-1", payload.VehicleID)
		assert.Equal(t, 135.0, payload.Bearing)
	})

	t.Run("unknown vehicle surfaces NotFound", func(t *testing.T) {
		err := router.ReportPosition("driver-1", PositionReport{VehicleID: "ghost", Latitude: 1, Longitude: 1})
		assert.ErrorIs(t, err, fleet.ErrVehicleNotFound)
	})
}

func TestAlertScoping(t *testing.T) {
	router, _ := newTestRouter(t)

	operator := &captureSender{}
	routeSub := &captureSender{}
	bystander := &captureSender{}
	require.NoError(t, router.Register("op-1", "control room", RoleOperator, operator))
	require.NoError(t, router.Register("route-sub", "", RoleAnonymous, routeSub))
	require.NoError(t, router.Register("bystander", "", RoleAnonymous, bystander))
	require.NoError(t, router.Subscribe("route-sub", RouteTopic("route-9")))

	t.Run("route-scoped alert reaches route subscribers only", func(t *testing.T) {
		require.NoError(t, router.RaiseAlert("op-1", ServiceAlert{
			Type: "delay", Message: "diversion at Koti", Severity: SeverityWarning, RouteID: "route-9",
		}))
		require.Len(t, routeSub.ofType(EventAlert), 1)
		assert.Empty(t, bystander.ofType(EventAlert))

		alert := routeSub.ofType(EventAlert)[0].Data.(ServiceAlert)
		assert.NotEmpty(t, alert.ID)
		assert.Equal(t, "control room", alert.Sender)
		assert.Equal(t, routerNow, alert.Timestamp)
	})

	t.Run("unscoped alert reaches everyone", func(t *testing.T) {
		require.NoError(t, router.RaiseAlert("op-1", ServiceAlert{
			Type: "service_update", Message: "extra buses tonight", Severity: AlertSeverity("bogus"),
		}))
		require.Len(t, bystander.ofType(EventAlert), 1)
		assert.Equal(t, SeverityInfo, bystander.ofType(EventAlert)[0].Data.(ServiceAlert).Severity,
			"unknown severity falls back to info")
	})
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	router, _ := newTestRouter(t)
	sub := &captureSender{}
	require.NoError(t, router.Register("conn-1", "", RoleAnonymous, sub))
	require.NoError(t, router.Subscribe("conn-1", RouteTopic("route-9")))
	require.NoError(t, router.Subscribe("conn-1", VehicleTopic("bus-1")))

	router.Close("conn-1")
	assert.Nil(t, router.Topics("conn-1"))

	before := len(sub.all())
	router.PublishAlert(ServiceAlert{Message: "after close", RouteID: "route-9"})
	assert.Len(t, sub.all(), before, "closed connections receive nothing")

	t.Run("closing twice is harmless", func(t *testing.T) {
		router.Close("conn-1")
	})

	t.Run("the id can be registered again", func(t *testing.T) {
		require.NoError(t, router.Register("conn-1", "", RoleAnonymous, &captureSender{}))
	})
}

func TestPerSourceOrdering(t *testing.T) {
	router, _ := newTestRouter(t)
	driver := &captureSender{}
	observer := &captureSender{}
	require.NoError(t, router.Register("driver-1", "", RoleDriver, driver))
	require.NoError(t, router.Register("observer-1", "", RoleAnonymous, observer))

	for i := 0; i <= 40; i++ {
		require.NoError(t, router.ReportOccupancy("driver-1", "bus-1", i, 40))
	}

	events := observer.ofType(EventOccupancy)
	require.Len(t, events, 41)
	for i, e := range events {
		payload := e.Data.(OccupancyUpdate)
		assert.Equal(t, i, payload.Occupancy.OccupiedSeats,
			fmt.Sprintf("event %d out of order", i))
	}
}

func TestSubscribeUnknownConnection(t *testing.T) {
	router, _ := newTestRouter(t)
	assert.ErrorIs(t, router.Subscribe("ghost", RouteTopic("route-9")), ErrConnectionUnknown)
	assert.ErrorIs(t, router.Unsubscribe("ghost", RouteTopic("route-9")), ErrConnectionUnknown)
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		in      string
		want    Topic
		wantErr bool
	}{
		{in: "vehicle:bus-1", want: VehicleTopic("bus-1")},
		{in: "route:route-9", want: RouteTopic("route-9")},
		{in: "cell:17.38,78.48,5000", want: CellTopic(17.38, 78.48, 5000)},
		{in: "cell:17.38,78.48", wantErr: true},
		{in: "stop:abc", wantErr: true},
		{in: "vehicle:", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTopic(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTopic)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			roundtrip, err := ParseTopic(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, roundtrip)
		})
	}
}

func TestTapReceivesScopedEvents(t *testing.T) {
	router, _ := newTestRouter(t)

	tap := &captureSender{}
	operator := &captureSender{}
	router.AddTap(tap)
	require.NoError(t, router.Register("op-1", "control room", RoleOperator, operator))

	// scoped alert with no subscribers still reaches the tap
	require.NoError(t, router.RaiseAlert("op-1", ServiceAlert{
		Type: "delay", Message: "signal fault", Severity: SeverityError, RouteID: "route-9",
	}))
	require.Len(t, tap.ofType(EventAlert), 1)

	require.NoError(t, router.AnnounceOccupancy("bus-1"))
	assert.Len(t, tap.ofType(EventOccupancy), 1)

	// confirmations are private to the requesting connection
	require.NoError(t, router.Subscribe("op-1", RouteTopic("route-9")))
	assert.Empty(t, tap.ofType(EventSubscription))
}
