// Package gateway is the websocket transport in front of the broadcast
// router. It owns connection lifecycle, message decoding, and input
// validation; routing and role gating stay in the broadcast package.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"fleettrack/internal/broadcast"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64

	defaultAreaRadiusMeters = 5000
)

// Authenticator resolves a client credential to an identity. Authentication
// is best-effort: an empty or unknown token yields an anonymous identity, not
// an error, so public riders can always connect.
type Authenticator interface {
	Authenticate(token string) (name string, role broadcast.Role)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(token string) (string, broadcast.Role)

func (f AuthenticatorFunc) Authenticate(token string) (string, broadcast.Role) { return f(token) }

// Metrics is the gateway's instrumentation hook.
type Metrics interface {
	EventDropped()
}

// Gateway upgrades HTTP requests to websocket connections and bridges them
// onto the broadcast router.
type Gateway struct {
	router   *broadcast.Router
	auth     Authenticator
	metrics  Metrics
	upgrader websocket.Upgrader
}

func New(router *broadcast.Router, auth Authenticator, metrics Metrics) *Gateway {
	return &Gateway{
		router:  router,
		auth:    auth,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// envelope is the client-to-server message frame.
type envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type areaRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Radius    float64 `json:"radius"`
}

type locationReport struct {
	VehicleID  string  `json:"vehicleId"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Speed      float64 `json:"speed"`
	Direction  float64 `json:"direction"`
	NextStopID string  `json:"nextStopId"`
}

type occupancyReport struct {
	VehicleID     string `json:"vehicleId"`
	OccupiedSeats int    `json:"occupiedSeats"`
	TotalSeats    int    `json:"totalSeats"`
}

type alertRequest struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	RouteID   string `json:"routeId"`
	VehicleID string `json:"vehicleId"`
}

type idRequest struct {
	ID string `json:"id"`
}

// client is one live websocket connection. The write pump drains send; a full
// buffer drops the event instead of blocking the router's fan-out.
type client struct {
	id   string
	conn *websocket.Conn
	send chan broadcast.Event
	done chan struct{}
	gw   *Gateway
}

// ServeWS handles the websocket upgrade for GET /ws. The credential comes
// from the "token" query parameter or the Authorization header.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	name, role := g.auth.Authenticate(token)

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan broadcast.Event, sendBufferSize),
		done: make(chan struct{}),
		gw:   g,
	}
	if err := g.router.Register(c.id, name, role, broadcast.SenderFunc(c.enqueue)); err != nil {
		log.Error().Err(err).Msg("connection registration failed")
		conn.Close()
		return
	}
	log.Info().Str("connection", c.id).Str("role", string(role)).Msg("client connected")

	go c.writePump()
	go c.readPump()
}

// enqueue implements the non-blocking sender contract.
func (c *client) enqueue(ev broadcast.Event) {
	select {
	case c.send <- ev:
	default:
		if c.gw.metrics != nil {
			c.gw.metrics.EventDropped()
		}
		log.Debug().Str("connection", c.id).Str("type", ev.Type).Msg("event dropped, send buffer full")
	}
}

func (c *client) readPump() {
	defer func() {
		c.gw.router.Close(c.id)
		close(c.done)
		c.conn.Close()
		log.Info().Str("connection", c.id).Msg("client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connection", c.id).Msg("websocket read error")
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Debug().Err(err).Str("connection", c.id).Msg("undecodable message")
			continue
		}
		c.handle(env)
	}
}

func (c *client) handle(env envelope) {
	switch env.Action {
	case "subscribe-route":
		if id, ok := decodeID(env.Data); ok {
			c.gw.router.Subscribe(c.id, broadcast.RouteTopic(id))
		}
	case "unsubscribe-route":
		if id, ok := decodeID(env.Data); ok {
			c.gw.router.Unsubscribe(c.id, broadcast.RouteTopic(id))
		}
	case "subscribe-vehicle":
		if id, ok := decodeID(env.Data); ok {
			c.gw.router.Subscribe(c.id, broadcast.VehicleTopic(id))
		}
	case "unsubscribe-vehicle":
		if id, ok := decodeID(env.Data); ok {
			c.gw.router.Unsubscribe(c.id, broadcast.VehicleTopic(id))
		}
	case "subscribe-area":
		if topic, ok := decodeAreaTopic(env.Data); ok {
			c.gw.router.Subscribe(c.id, topic)
		}
	case "unsubscribe-area":
		if topic, ok := decodeAreaTopic(env.Data); ok {
			c.gw.router.Unsubscribe(c.id, topic)
		}
	case "share-location":
		var rep locationReport
		if err := json.Unmarshal(env.Data, &rep); err != nil || rep.VehicleID == "" {
			return
		}
		if !validCoordinates(rep.Latitude, rep.Longitude) {
			return
		}
		if err := c.gw.router.ReportPosition(c.id, broadcast.PositionReport{
			VehicleID:  rep.VehicleID,
			Latitude:   rep.Latitude,
			Longitude:  rep.Longitude,
			SpeedKmh:   rep.Speed,
			Bearing:    rep.Direction,
			NextStopID: rep.NextStopID,
		}); err != nil {
			log.Debug().Err(err).Str("connection", c.id).Msg("location report failed")
		}
	case "update-occupancy":
		var rep occupancyReport
		if err := json.Unmarshal(env.Data, &rep); err != nil || rep.VehicleID == "" {
			return
		}
		if err := c.gw.router.ReportOccupancy(c.id, rep.VehicleID, rep.OccupiedSeats, rep.TotalSeats); err != nil {
			log.Debug().Err(err).Str("connection", c.id).Msg("occupancy report failed")
		}
	case "send-alert":
		var req alertRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.Message == "" {
			return
		}
		if err := c.gw.router.RaiseAlert(c.id, broadcast.ServiceAlert{
			Type:      req.Type,
			Message:   req.Message,
			Severity:  broadcast.AlertSeverity(req.Severity),
			RouteID:   req.RouteID,
			VehicleID: req.VehicleID,
		}); err != nil {
			log.Debug().Err(err).Str("connection", c.id).Msg("alert failed")
		}
	case "ping":
		c.enqueue(broadcast.Event{Type: "pong", Timestamp: time.Now()})
	default:
		log.Debug().Str("connection", c.id).Str("action", env.Action).Msg("unknown action")
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// decodeID accepts both {"id":"..."} objects and bare JSON strings, matching
// what different client generations send.
func decodeID(data json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s != "" {
		return s, true
	}
	var req idRequest
	if err := json.Unmarshal(data, &req); err == nil && req.ID != "" {
		return req.ID, true
	}
	return "", false
}

func decodeAreaTopic(data json.RawMessage) (broadcast.Topic, bool) {
	var req areaRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return broadcast.Topic{}, false
	}
	if !validCoordinates(req.Latitude, req.Longitude) {
		return broadcast.Topic{}, false
	}
	radius := req.Radius
	if radius <= 0 {
		radius = defaultAreaRadiusMeters
	}
	return broadcast.CellTopic(req.Latitude, req.Longitude, radius), true
}

func validCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
