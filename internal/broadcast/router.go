// Package broadcast implements the topic-based publish/subscribe router that
// fans out fleet state changes to live connections. The router owns the
// subscription table; connections own their subscriptions, which are released
// when the connection closes. It reads the fleet store to build event
// payloads and never mutates it outside the role-gated report actions.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fleettrack/internal/clock"
	"fleettrack/internal/fleet"
)

// Role is the privilege level attached to a connection. Authentication is
// best-effort: connections without a valid credential are anonymous and keep
// read access to public events; only report actions check the role.
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleDriver    Role = "driver"
	RoleOperator  Role = "operator"
	RoleAdmin     Role = "admin"
)

var (
	reportRoles = map[Role]bool{RoleDriver: true, RoleOperator: true, RoleAdmin: true}
	alertRoles  = map[Role]bool{RoleOperator: true, RoleAdmin: true}
)

var ErrConnectionUnknown = errors.New("connection not registered")

// Sender delivers one event to a single connection. Implementations must not
// block: a slow subscriber drops the event rather than stalling the fan-out.
type Sender interface {
	Send(Event)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(Event)

func (f SenderFunc) Send(e Event) { f(e) }

// Metrics is the router's instrumentation hook. A nil Router metrics field
// disables it.
type Metrics interface {
	ConnectionsSet(n int)
	SubscriptionsSet(n int)
	EventPublished(category string)
	ReportRejected(action string)
}

type connection struct {
	id     string
	name   string
	role   Role
	sender Sender
	topics map[Topic]struct{}
}

// Router is the broadcast fan-out engine. It is safe for concurrent use by
// many connection goroutines; publish never waits on a subscriber.
type Router struct {
	store   *fleet.Store
	clock   clock.Clock
	metrics Metrics

	mu     sync.RWMutex
	conns  map[string]*connection
	topics map[Topic]map[string]*connection
	taps   []Sender
}

func NewRouter(store *fleet.Store, clk clock.Clock, metrics Metrics) *Router {
	return &Router{
		store:   store,
		clock:   clk,
		metrics: metrics,
		conns:   make(map[string]*connection),
		topics:  make(map[Topic]map[string]*connection),
	}
}

// AddTap attaches a sender that receives every published event regardless of
// topic scope. Taps never receive subscription confirmations and cannot be
// removed; they live for the router's lifetime.
func (r *Router) AddTap(sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taps = append(r.taps, sender)
}

// Register attaches a connection to the router. The sender is invoked for
// every event delivered to this connection until Close.
func (r *Router) Register(connID, name string, role Role, sender Sender) error {
	if role == "" {
		role = RoleAnonymous
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[connID]; exists {
		return errors.New("connection id already registered")
	}
	r.conns[connID] = &connection{
		id:     connID,
		name:   name,
		role:   role,
		sender: sender,
		topics: make(map[Topic]struct{}),
	}
	if r.metrics != nil {
		r.metrics.ConnectionsSet(len(r.conns))
	}
	return nil
}

// Close releases the connection and every topic it holds atomically. No
// event is emitted to other parties.
func (r *Router) Close(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	for topic := range conn.topics {
		if subs, ok := r.topics[topic]; ok {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(r.topics, topic)
			}
		}
	}
	delete(r.conns, connID)
	if r.metrics != nil {
		r.metrics.ConnectionsSet(len(r.conns))
		r.metrics.SubscriptionsSet(r.subscriptionCountLocked())
	}
}

// Subscribe adds the connection to a topic. Subscribing twice is a no-op;
// every call echoes a confirmation to the requesting connection only.
func (r *Router) Subscribe(connID string, topic Topic) error {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrConnectionUnknown
	}
	if _, held := conn.topics[topic]; !held {
		conn.topics[topic] = struct{}{}
		subs, ok := r.topics[topic]
		if !ok {
			subs = make(map[string]*connection)
			r.topics[topic] = subs
		}
		subs[connID] = conn
	}
	if r.metrics != nil {
		r.metrics.SubscriptionsSet(r.subscriptionCountLocked())
	}
	sender := conn.sender
	r.mu.Unlock()

	sender.Send(Event{
		Type:      EventSubscription,
		Timestamp: r.clock.Now(),
		Data: SubscriptionConfirmation{
			Action:  "subscribed",
			Topic:   topic.String(),
			Message: "subscribed to " + topic.String() + " updates",
		},
	})
	return nil
}

// Unsubscribe removes the connection from a topic. Unsubscribing from a topic
// not held is a no-op; a confirmation is echoed either way.
func (r *Router) Unsubscribe(connID string, topic Topic) error {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrConnectionUnknown
	}
	if _, held := conn.topics[topic]; held {
		delete(conn.topics, topic)
		if subs, ok := r.topics[topic]; ok {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(r.topics, topic)
			}
		}
	}
	if r.metrics != nil {
		r.metrics.SubscriptionsSet(r.subscriptionCountLocked())
	}
	sender := conn.sender
	r.mu.Unlock()

	sender.Send(Event{
		Type:      EventSubscription,
		Timestamp: r.clock.Now(),
		Data: SubscriptionConfirmation{
			Action:  "unsubscribed",
			Topic:   topic.String(),
			Message: "unsubscribed from " + topic.String() + " updates",
		},
	})
	return nil
}

// Topics returns the topics currently held by a connection.
func (r *Router) Topics(connID string) []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]Topic, 0, len(conn.topics))
	for t := range conn.topics {
		out = append(out, t)
	}
	return out
}

// PositionReport is a device-originated location update.
type PositionReport struct {
	VehicleID  string
	Latitude   float64
	Longitude  float64
	SpeedKmh   float64
	Bearing    float64
	NextStopID string
	Timestamp  time.Time
}

// ReportPosition applies a position report on behalf of a connection. The
// action is gated on {driver, operator, admin}; an unprivileged caller is
// rejected silently with no store change, no event, and no error.
func (r *Router) ReportPosition(connID string, rep PositionReport) error {
	if !r.authorize(connID, reportRoles, "reportPosition") {
		return nil
	}
	ts := rep.Timestamp
	if ts.IsZero() {
		ts = r.clock.Now()
	}
	if _, err := r.store.UpsertVehiclePosition(rep.VehicleID, rep.Latitude, rep.Longitude, ts); err != nil {
		return err
	}
	v, err := r.store.SetVehicleMotion(rep.VehicleID, rep.SpeedKmh, rep.Bearing, rep.NextStopID)
	if err != nil {
		return err
	}
	r.publishPosition(v)
	return nil
}

// ReportOccupancy applies an occupancy report on behalf of a connection,
// gated like ReportPosition. An out-of-range report surfaces the store error
// and publishes nothing.
func (r *Router) ReportOccupancy(connID, vehicleID string, occupied, total int) error {
	if !r.authorize(connID, reportRoles, "reportOccupancy") {
		return nil
	}
	v, err := r.store.UpsertVehicleOccupancy(vehicleID, occupied, total)
	if err != nil {
		return err
	}
	r.publishOccupancy(v)
	return nil
}

// RaiseAlert broadcasts a service alert on behalf of a connection, gated on
// {operator, admin}. Scoped alerts go to their route/vehicle topic only;
// unscoped alerts go to every connection.
func (r *Router) RaiseAlert(connID string, alert ServiceAlert) error {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionUnknown
	}
	if !alertRoles[conn.role] {
		if r.metrics != nil {
			r.metrics.ReportRejected("raiseAlert")
		}
		log.Debug().Str("connection", connID).Str("role", string(conn.role)).
			Msg("alert rejected for unprivileged connection")
		return nil
	}

	alert.ID = uuid.NewString()
	alert.Timestamp = r.clock.Now()
	if alert.Sender == "" {
		alert.Sender = conn.name
	}
	switch alert.Severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeveritySuccess:
	default:
		alert.Severity = SeverityInfo
	}
	r.PublishAlert(alert)
	return nil
}

// PublishAlert fans out a service alert built by a trusted in-process caller.
func (r *Router) PublishAlert(alert ServiceAlert) {
	event := Event{Type: EventAlert, Timestamp: r.clock.Now(), Data: alert}
	switch {
	case alert.RouteID != "":
		r.deliver(event, false, RouteTopic(alert.RouteID))
	case alert.VehicleID != "":
		r.deliver(event, false, VehicleTopic(alert.VehicleID))
	default:
		r.deliver(event, true)
	}
}

// AnnouncePosition broadcasts the current position of a vehicle. Used by
// collaborators that have already applied a trusted mutation.
func (r *Router) AnnouncePosition(vehicleID string) error {
	v, err := r.store.GetVehicle(vehicleID)
	if err != nil {
		return err
	}
	r.publishPosition(v)
	return nil
}

// AnnounceOccupancy broadcasts the current occupancy of a vehicle.
func (r *Router) AnnounceOccupancy(vehicleID string) error {
	v, err := r.store.GetVehicle(vehicleID)
	if err != nil {
		return err
	}
	r.publishOccupancy(v)
	return nil
}

// AnnounceStatus broadcasts the operational status of a vehicle.
func (r *Router) AnnounceStatus(vehicleID string) error {
	v, err := r.store.GetVehicle(vehicleID)
	if err != nil {
		return err
	}
	event := Event{
		Type:      EventStatus,
		Timestamp: r.clock.Now(),
		Data: StatusChange{
			VehicleID:     v.ID,
			VehicleNumber: v.Number,
			RouteID:       v.RouteID,
			Status:        v.Status,
		},
	}
	r.deliver(event, true, VehicleTopic(v.ID), RouteTopic(v.RouteID))
	return nil
}

func (r *Router) publishPosition(v fleet.Vehicle) {
	event := Event{
		Type:      EventPosition,
		Timestamp: r.clock.Now(),
		Data: PositionUpdate{
			VehicleID:     v.ID,
			VehicleNumber: v.Number,
			RouteID:       v.RouteID,
			Location:      v.Position,
			SpeedKmh:      v.SpeedKmh,
			Bearing:       v.Bearing,
			NextStopID:    v.NextStopID,
		},
	}
	topics := []Topic{VehicleTopic(v.ID), RouteTopic(v.RouteID)}
	topics = append(topics, r.cellsContaining(v)...)
	r.deliver(event, true, topics...)
}

func (r *Router) publishOccupancy(v fleet.Vehicle) {
	event := Event{
		Type:      EventOccupancy,
		Timestamp: r.clock.Now(),
		Data: OccupancyUpdate{
			VehicleID:           v.ID,
			VehicleNumber:       v.Number,
			Occupancy:           v.Occupancy,
			OccupancyPercentage: v.OccupancyPercentage(),
			AvailableSeats:      v.AvailableSeats(),
		},
	}
	r.deliver(event, true, VehicleTopic(v.ID), RouteTopic(v.RouteID))
}

// cellsContaining returns the cell topics whose area covers the vehicle's
// current position.
func (r *Router) cellsContaining(v fleet.Vehicle) []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Topic
	for topic := range r.topics {
		if topic.Kind == TopicCell && topic.contains(v.Position.Coordinates) {
			out = append(out, topic)
		}
	}
	return out
}

// deliver fans an event out at most once per connection: to every subscriber
// of the given topics and, when global is set, to every registered
// connection. Senders are non-blocking, so one slow subscriber never stalls
// delivery to the others.
func (r *Router) deliver(event Event, global bool, topics ...Topic) {
	r.mu.RLock()
	recipients := make(map[string]Sender)
	if global {
		for id, conn := range r.conns {
			recipients[id] = conn.sender
		}
	}
	for _, topic := range topics {
		for id, conn := range r.topics[topic] {
			recipients[id] = conn.sender
		}
	}
	taps := r.taps
	r.mu.RUnlock()

	for _, sender := range recipients {
		sender.Send(event)
	}
	for _, tap := range taps {
		tap.Send(event)
	}
	if r.metrics != nil {
		r.metrics.EventPublished(event.Type)
	}
}

func (r *Router) authorize(connID string, permitted map[Role]bool, action string) bool {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok || !permitted[conn.role] {
		if r.metrics != nil {
			r.metrics.ReportRejected(action)
		}
		role := Role("unregistered")
		if ok {
			role = conn.role
		}
		log.Debug().Str("connection", connID).Str("role", string(role)).
			Str("action", action).Msg("report rejected for unprivileged connection")
		return false
	}
	return true
}

func (r *Router) subscriptionCountLocked() int {
	n := 0
	for _, subs := range r.topics {
		n += len(subs)
	}
	return n
}
