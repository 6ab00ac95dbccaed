package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"fleettrack/internal/broadcast"
	"fleettrack/internal/clock"
	"fleettrack/internal/fleet"
	"fleettrack/internal/geo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeID(t *testing.T) {
	id, ok := decodeID(json.RawMessage(`"route-5k"`))
	assert.True(t, ok)
	assert.Equal(t, "route-5k", id)

	id, ok = decodeID(json.RawMessage(`{"id":"bus-1"}`))
	assert.True(t, ok)
	assert.Equal(t, "bus-1", id)

	_, ok = decodeID(json.RawMessage(`""`))
	assert.False(t, ok)

	_, ok = decodeID(json.RawMessage(`{"other":"x"}`))
	assert.False(t, ok)

	_, ok = decodeID(json.RawMessage(`42`))
	assert.False(t, ok)
}

func TestDecodeAreaTopic(t *testing.T) {
	topic, ok := decodeAreaTopic(json.RawMessage(`{"latitude":17.38,"longitude":78.48,"radius":2000}`))
	require.True(t, ok)
	assert.Equal(t, broadcast.TopicCell, topic.Kind)
	assert.Equal(t, 2000.0, topic.Cell.RadiusMeters)

	topic, ok = decodeAreaTopic(json.RawMessage(`{"latitude":17.38,"longitude":78.48}`))
	require.True(t, ok)
	assert.Equal(t, float64(defaultAreaRadiusMeters), topic.Cell.RadiusMeters)

	_, ok = decodeAreaTopic(json.RawMessage(`{"latitude":95,"longitude":78.48}`))
	assert.False(t, ok)

	_, ok = decodeAreaTopic(json.RawMessage(`"not an object"`))
	assert.False(t, ok)
}

func newTestClient(t *testing.T, role broadcast.Role) (*client, *broadcast.Router, *fleet.Store) {
	t.Helper()
	store := fleet.NewStore(clock.System())
	require.NoError(t, store.AddRoute(fleet.Route{
		ID: "route-5k", Name: "5K", Status: fleet.RouteActive,
		Stops: []fleet.Stop{
			{ID: "stop-1", Order: 1, Coordinates: geo.Coordinates{Latitude: 17.44, Longitude: 78.50}},
			{ID: "stop-2", Order: 2, Coordinates: geo.Coordinates{Latitude: 17.43, Longitude: 78.49}},
		},
	}))
	require.NoError(t, store.AddVehicle(fleet.Vehicle{
		ID: "bus-1", Number: "5K-01", RouteID: "route-5k", Status: fleet.VehicleActive,
		Position:  fleet.Position{Coordinates: geo.Coordinates{Latitude: 17.44, Longitude: 78.50}},
		Occupancy: fleet.Occupancy{TotalSeats: 40, OccupiedSeats: 10},
	}))

	router := broadcast.NewRouter(store, clock.System(), nil)
	c := &client{
		id:   "conn-1",
		send: make(chan broadcast.Event, sendBufferSize),
		done: make(chan struct{}),
		gw:   &Gateway{router: router},
	}
	require.NoError(t, router.Register(c.id, "tester", role, broadcast.SenderFunc(c.enqueue)))
	return c, router, store
}

func drain(c *client) []broadcast.Event {
	var out []broadcast.Event
	for {
		select {
		case ev := <-c.send:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHandleSubscribeActions(t *testing.T) {
	c, router, _ := newTestClient(t, broadcast.RoleAnonymous)

	c.handle(envelope{Action: "subscribe-route", Data: json.RawMessage(`"route-5k"`)})
	c.handle(envelope{Action: "subscribe-vehicle", Data: json.RawMessage(`{"id":"bus-1"}`)})
	c.handle(envelope{Action: "subscribe-area", Data: json.RawMessage(`{"latitude":17.44,"longitude":78.50}`)})

	topics := router.Topics(c.id)
	assert.Len(t, topics, 3)

	events := drain(c)
	assert.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, broadcast.EventSubscription, ev.Type)
	}

	c.handle(envelope{Action: "unsubscribe-route", Data: json.RawMessage(`"route-5k"`)})
	assert.Len(t, router.Topics(c.id), 2)
}

func TestHandleShareLocationValidation(t *testing.T) {
	c, _, store := newTestClient(t, broadcast.RoleDriver)

	before, err := store.GetVehicle("bus-1")
	require.NoError(t, err)

	// out-of-range latitude never reaches the router
	c.handle(envelope{Action: "share-location",
		Data: json.RawMessage(`{"vehicleId":"bus-1","latitude":123.0,"longitude":78.5}`)})
	after, err := store.GetVehicle("bus-1")
	require.NoError(t, err)
	assert.Equal(t, before.Position.Coordinates, after.Position.Coordinates)

	c.handle(envelope{Action: "share-location",
		Data: json.RawMessage(`{"vehicleId":"bus-1","latitude":17.43,"longitude":78.49,"speed":22}`)})
	after, err = store.GetVehicle("bus-1")
	require.NoError(t, err)
	assert.Equal(t, 17.43, after.Position.Latitude)
	assert.Equal(t, 22.0, after.SpeedKmh)
}

func TestHandleOccupancyAndPing(t *testing.T) {
	c, _, store := newTestClient(t, broadcast.RoleDriver)

	c.handle(envelope{Action: "update-occupancy",
		Data: json.RawMessage(`{"vehicleId":"bus-1","occupiedSeats":38,"totalSeats":40}`)})
	v, err := store.GetVehicle("bus-1")
	require.NoError(t, err)
	assert.Equal(t, fleet.OccupancyOvercrowded, v.Occupancy.Status)

	c.handle(envelope{Action: "ping", Data: nil})

	events := drain(c)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "pong", last.Type)
	assert.WithinDuration(t, time.Now(), last.Timestamp, time.Second)
}

func TestHandleUnknownActionIgnored(t *testing.T) {
	c, _, _ := newTestClient(t, broadcast.RoleAnonymous)
	c.handle(envelope{Action: "bogus", Data: json.RawMessage(`{}`)})
	assert.Empty(t, drain(c))
}
