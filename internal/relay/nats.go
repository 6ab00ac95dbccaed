package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fleettrack/internal/broadcast"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Relay mirrors broadcast events onto NATS so other services can consume the
// live feed without holding a socket on the gateway. Subjects follow
// fleet.<category>.<route>.<vehicle>, with "_" standing in for an empty scope.
type Relay struct {
	nc          *nats.Conn
	logSubjects bool
	metrics     Metrics
}

type Metrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func New(url string, logSubjects bool, m Metrics) (*Relay, error) {
	nc, err := nats.Connect(url,
		nats.Name("fleettrack"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &Relay{nc: nc, logSubjects: logSubjects, metrics: m}, nil
}

func (r *Relay) Close() {
	if r.nc != nil {
		r.nc.Drain()
		r.nc.Close()
	}
}

// Send implements broadcast.Sender. Subscription confirmations are private to
// a connection and are not mirrored.
func (r *Relay) Send(ev broadcast.Event) {
	if ev.Type == broadcast.EventSubscription {
		return
	}
	if err := r.publish(ev); err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("nats relay publish failed")
	}
}

func (r *Relay) publish(ev broadcast.Event) error {
	subject := subjectFor(ev)
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if r.logSubjects {
		log.Debug().Str("subject", subject).Msg("nats publish")
	}
	start := time.Now()
	err = r.nc.Publish(subject, b)
	if r.metrics != nil {
		r.metrics.PublishObserve(time.Since(start))
		if err != nil {
			r.metrics.NATSPublishErrInc()
		} else {
			r.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectFor(ev broadcast.Event) string {
	category := "event"
	var routeID, vehicleID string

	switch data := ev.Data.(type) {
	case broadcast.PositionUpdate:
		category = "position"
		routeID, vehicleID = data.RouteID, data.VehicleID
	case broadcast.OccupancyUpdate:
		category = "occupancy"
		vehicleID = data.VehicleID
	case broadcast.StatusChange:
		category = "status"
		routeID, vehicleID = data.RouteID, data.VehicleID
	case broadcast.ServiceAlert:
		category = "alert"
		routeID, vehicleID = data.RouteID, data.VehicleID
	}

	return fmt.Sprintf("fleet.%s.%s.%s", category, subjectToken(routeID), subjectToken(vehicleID))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
