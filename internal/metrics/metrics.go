package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Collector holds every fleettrack metric behind its own registry. It
// satisfies the instrumentation hooks of the broadcast router, the motion
// simulator, the NATS relay, and the websocket gateway.
type Collector struct {
	reg *prometheus.Registry

	Connections   prometheus.Gauge
	Subscriptions prometheus.Gauge

	EventsPublished *prometheus.CounterVec // category label: event type
	EventsDropped   prometheus.Counter
	ReportsRejected *prometheus.CounterVec // action label: reportPosition|reportOccupancy|raiseAlert

	VehiclesSimulated prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleettrack_connections",
			Help: "Number of registered live connections.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleettrack_subscriptions",
			Help: "Number of active topic subscriptions across all connections.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleettrack_events_published_total",
			Help: "Total events fanned out, by event category.",
		}, []string{"category"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleettrack_events_dropped_total",
			Help: "Total events dropped because a subscriber's send buffer was full.",
		}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleettrack_reports_rejected_total",
			Help: "Total report actions rejected for insufficient privileges.",
		}, []string{"action"}),
		VehiclesSimulated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleettrack_vehicles_simulated",
			Help: "Number of vehicle goroutines the simulator is running.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleettrack_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleettrack_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleettrack_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleettrack_sim_tick_duration_seconds",
			Help:    "Duration of one simulated vehicle step.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleettrack_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.Connections, c.Subscriptions,
		c.EventsPublished, c.EventsDropped, c.ReportsRejected,
		c.VehiclesSimulated,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.TickDuration, c.PublishDuration,
	)
	return c
}

// Router hooks.

func (c *Collector) ConnectionsSet(n int)   { c.Connections.Set(float64(n)) }
func (c *Collector) SubscriptionsSet(n int) { c.Subscriptions.Set(float64(n)) }

func (c *Collector) EventPublished(category string) {
	c.EventsPublished.WithLabelValues(category).Inc()
}

func (c *Collector) ReportRejected(action string) {
	c.ReportsRejected.WithLabelValues(action).Inc()
}

// Gateway hook.

func (c *Collector) EventDropped() { c.EventsDropped.Inc() }

// Simulator hooks.

func (c *Collector) VehiclesSimulatedSet(n int)  { c.VehiclesSimulated.Set(float64(n)) }
func (c *Collector) TickObserve(d time.Duration) { c.TickDuration.Observe(d.Seconds()) }

// Relay hooks.

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
