package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fleettrack/internal/broadcast"
	"fleettrack/internal/gateway"
	"fleettrack/internal/relay"
	"fleettrack/internal/sim"
)

// The collector must keep satisfying every instrumentation hook it is wired
// into at startup.
var (
	_ broadcast.Metrics = (*Collector)(nil)
	_ gateway.Metrics   = (*Collector)(nil)
	_ relay.Metrics     = (*Collector)(nil)
	_ sim.Metrics       = (*Collector)(nil)
)

func TestCollectorRegistersAndObserves(t *testing.T) {
	c := NewCollector()

	c.ConnectionsSet(3)
	c.SubscriptionsSet(7)
	c.EventPublished("position_update")
	c.EventDropped()
	c.ReportRejected("reportPosition")
	c.VehiclesSimulatedSet(12)
	c.TickObserve(5 * time.Millisecond)
	c.NATSPublishedInc()
	c.NATSPublishErrInc()
	c.PublishObserve(2 * time.Millisecond)
	c.NATSSetConnected(true)

	families, err := c.reg.Gather()
	assert.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"fleettrack_connections",
		"fleettrack_subscriptions",
		"fleettrack_events_published_total",
		"fleettrack_events_dropped_total",
		"fleettrack_reports_rejected_total",
		"fleettrack_vehicles_simulated",
		"fleettrack_nats_published_total",
		"fleettrack_nats_publish_errors_total",
		"fleettrack_nats_connected",
		"fleettrack_sim_tick_duration_seconds",
		"fleettrack_publish_duration_seconds",
	} {
		assert.True(t, names[want], "metric %s not gathered", want)
	}
}
