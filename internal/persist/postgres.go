package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"fleettrack/internal/fleet"
	"fleettrack/internal/geo"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// WithDBName rewrites the database path of a postgres DSN, leaving every
// other component (credentials, host, query options) intact. A DSN without
// a scheme is treated as postgres://.
func WithDBName(dsn, database string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("empty dsn")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported dsn scheme %q", u.Scheme)
	}
	u.Path = "/" + strings.TrimPrefix(database, "/")
	return u.String(), nil
}

const schema = `
CREATE TABLE IF NOT EXISTS routes (
    route_id          TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    number            TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'Active',
    total_distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_minutes  INTEGER NOT NULL DEFAULT 0,
    operating_start   TEXT NOT NULL DEFAULT '',
    operating_end     TEXT NOT NULL DEFAULT '',
    headway_minutes   INTEGER NOT NULL DEFAULT 0,
    fare_adult        DOUBLE PRECISION NOT NULL DEFAULT 0,
    fare_student      DOUBLE PRECISION NOT NULL DEFAULT 0,
    fare_senior       DOUBLE PRECISION NOT NULL DEFAULT 0,
    color             TEXT NOT NULL DEFAULT '',
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS route_stops (
    route_id            TEXT NOT NULL REFERENCES routes(route_id) ON DELETE CASCADE,
    stop_id             TEXT NOT NULL,
    name                TEXT NOT NULL,
    lat                 DOUBLE PRECISION NOT NULL,
    lon                 DOUBLE PRECISION NOT NULL,
    stop_order          INTEGER NOT NULL,
    minutes_from_start  INTEGER NOT NULL DEFAULT 0,
    facilities          JSONB NOT NULL DEFAULT '[]',
    PRIMARY KEY (route_id, stop_id)
);

CREATE TABLE IF NOT EXISTS vehicles (
    vehicle_id     TEXT PRIMARY KEY,
    number         TEXT NOT NULL,
    route_id       TEXT REFERENCES routes(route_id),
    status         TEXT NOT NULL DEFAULT 'Active',
    lat            DOUBLE PRECISION NOT NULL,
    lon            DOUBLE PRECISION NOT NULL,
    position_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    total_seats    INTEGER NOT NULL,
    occupied_seats INTEGER NOT NULL,
    occupancy      TEXT NOT NULL DEFAULT 'Available',
    occupancy_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    speed_kmh      DOUBLE PRECISION NOT NULL DEFAULT 0,
    bearing        DOUBLE PRECISION NOT NULL DEFAULT 0,
    next_stop_id   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_vehicles_route ON vehicles (route_id);
CREATE INDEX IF NOT EXISTS idx_route_stops_order ON route_stops (route_id, stop_order);
`

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// LoadRoutes returns all persisted routes with their stops ordered by stop_order.
func LoadRoutes(ctx context.Context, db *sql.DB) ([]fleet.Route, error) {
	q := `SELECT route_id, name, number, status, total_distance_km, duration_minutes,
                 operating_start, operating_end, headway_minutes,
                 fare_adult, fare_student, fare_senior, color
          FROM routes ORDER BY route_id`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	var routes []fleet.Route
	for rows.Next() {
		var r fleet.Route
		var status string
		if err := rows.Scan(&r.ID, &r.Name, &r.Number, &status,
			&r.TotalDistanceKm, &r.DurationMinutes,
			&r.OperatingHours.Start, &r.OperatingHours.End, &r.HeadwayMinutes,
			&r.Fare.Adult, &r.Fare.Student, &r.Fare.Senior, &r.Color); err != nil {
			return nil, err
		}
		r.Status = fleet.RouteStatus(status)
		routes = append(routes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range routes {
		stops, err := loadRouteStops(ctx, db, routes[i].ID)
		if err != nil {
			return nil, err
		}
		routes[i].Stops = stops
	}
	return routes, nil
}

func loadRouteStops(ctx context.Context, db *sql.DB, routeID string) ([]fleet.Stop, error) {
	q := `SELECT stop_id, name, lat, lon, stop_order, minutes_from_start, facilities
          FROM route_stops WHERE route_id = $1 ORDER BY stop_order`
	rows, err := db.QueryContext(ctx, q, routeID)
	if err != nil {
		return nil, fmt.Errorf("query route_stops: %w", err)
	}
	defer rows.Close()

	var stops []fleet.Stop
	for rows.Next() {
		var s fleet.Stop
		var facilities []byte
		if err := rows.Scan(&s.ID, &s.Name, &s.Coordinates.Latitude, &s.Coordinates.Longitude,
			&s.Order, &s.MinutesFromStart, &facilities); err != nil {
			return nil, err
		}
		if len(facilities) > 0 {
			if err := json.Unmarshal(facilities, &s.Facilities); err != nil {
				return nil, fmt.Errorf("decode facilities for stop %s: %w", s.ID, err)
			}
		}
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

// LoadVehicles returns all persisted vehicles.
func LoadVehicles(ctx context.Context, db *sql.DB) ([]fleet.Vehicle, error) {
	q := `SELECT vehicle_id, number, COALESCE(route_id, ''), status,
                 lat, lon, position_at,
                 total_seats, occupied_seats, occupancy, occupancy_at,
                 speed_kmh, bearing, next_stop_id
          FROM vehicles ORDER BY vehicle_id`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []fleet.Vehicle
	for rows.Next() {
		var v fleet.Vehicle
		var status, occupancy string
		if err := rows.Scan(&v.ID, &v.Number, &v.RouteID, &status,
			&v.Position.Latitude, &v.Position.Longitude, &v.Position.UpdatedAt,
			&v.Occupancy.TotalSeats, &v.Occupancy.OccupiedSeats, &occupancy, &v.Occupancy.UpdatedAt,
			&v.SpeedKmh, &v.Bearing, &v.NextStopID); err != nil {
			return nil, err
		}
		v.Status = fleet.VehicleStatus(status)
		v.Occupancy.Status = fleet.OccupancyStatus(occupancy)
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

// SaveRoute upserts a route and replaces its stop list.
func SaveRoute(ctx context.Context, db *sql.DB, r fleet.Route) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := `INSERT INTO routes (route_id, name, number, status, total_distance_km, duration_minutes,
                              operating_start, operating_end, headway_minutes,
                              fare_adult, fare_student, fare_senior, color, updated_at)
          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
          ON CONFLICT (route_id) DO UPDATE
          SET name = EXCLUDED.name, number = EXCLUDED.number, status = EXCLUDED.status,
              total_distance_km = EXCLUDED.total_distance_km,
              duration_minutes = EXCLUDED.duration_minutes,
              operating_start = EXCLUDED.operating_start, operating_end = EXCLUDED.operating_end,
              headway_minutes = EXCLUDED.headway_minutes,
              fare_adult = EXCLUDED.fare_adult, fare_student = EXCLUDED.fare_student,
              fare_senior = EXCLUDED.fare_senior, color = EXCLUDED.color, updated_at = now()`
	if _, err := tx.ExecContext(ctx, q, r.ID, r.Name, r.Number, string(r.Status),
		r.TotalDistanceKm, r.DurationMinutes,
		r.OperatingHours.Start, r.OperatingHours.End, r.HeadwayMinutes,
		r.Fare.Adult, r.Fare.Student, r.Fare.Senior, r.Color); err != nil {
		return fmt.Errorf("upsert route %s: %w", r.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM route_stops WHERE route_id = $1`, r.ID); err != nil {
		return fmt.Errorf("clear stops for route %s: %w", r.ID, err)
	}
	sq := `INSERT INTO route_stops (route_id, stop_id, name, lat, lon, stop_order, minutes_from_start, facilities)
           VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, s := range r.Stops {
		facilities, err := json.Marshal(s.Facilities)
		if err != nil {
			return err
		}
		if s.Facilities == nil {
			facilities = []byte("[]")
		}
		if _, err := tx.ExecContext(ctx, sq, r.ID, s.ID, s.Name,
			s.Coordinates.Latitude, s.Coordinates.Longitude,
			s.Order, s.MinutesFromStart, facilities); err != nil {
			return fmt.Errorf("insert stop %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

// SaveVehicle upserts a vehicle row.
func SaveVehicle(ctx context.Context, db *sql.DB, v fleet.Vehicle) error {
	var routeID any
	if v.RouteID != "" {
		routeID = v.RouteID
	}
	q := `INSERT INTO vehicles (vehicle_id, number, route_id, status,
                                lat, lon, position_at,
                                total_seats, occupied_seats, occupancy, occupancy_at,
                                speed_kmh, bearing, next_stop_id)
          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
          ON CONFLICT (vehicle_id) DO UPDATE
          SET number = EXCLUDED.number, route_id = EXCLUDED.route_id, status = EXCLUDED.status,
              lat = EXCLUDED.lat, lon = EXCLUDED.lon, position_at = EXCLUDED.position_at,
              total_seats = EXCLUDED.total_seats, occupied_seats = EXCLUDED.occupied_seats,
              occupancy = EXCLUDED.occupancy, occupancy_at = EXCLUDED.occupancy_at,
              speed_kmh = EXCLUDED.speed_kmh, bearing = EXCLUDED.bearing,
              next_stop_id = EXCLUDED.next_stop_id`
	_, err := db.ExecContext(ctx, q, v.ID, v.Number, routeID, string(v.Status),
		v.Position.Latitude, v.Position.Longitude, v.Position.UpdatedAt,
		v.Occupancy.TotalSeats, v.Occupancy.OccupiedSeats, string(v.Occupancy.Status), v.Occupancy.UpdatedAt,
		v.SpeedKmh, v.Bearing, v.NextStopID)
	if err != nil {
		return fmt.Errorf("upsert vehicle %s: %w", v.ID, err)
	}
	return nil
}

// demoStop is a compact literal form for seed data.
type demoStop struct {
	id      string
	name    string
	lat     float64
	lon     float64
	minutes int
}

type demoRoute struct {
	id         string
	name       string
	number     string
	distanceKm float64
	durationM  int
	hours      fleet.OperatingHours
	headwayM   int
	fare       fleet.Fare
	color      string
	stops      []demoStop
}

var demoRoutes = []demoRoute{
	{
		id: "route-5k", name: "Secunderabad to Mehdipatnam", number: "5K",
		distanceKm: 18.5, durationM: 45,
		hours:    fleet.OperatingHours{Start: "05:30", End: "23:00"},
		headwayM: 8,
		fare:     fleet.Fare{Adult: 25, Student: 12, Senior: 12},
		color:    "#e74c3c",
		stops: []demoStop{
			{"SEC001", "Secunderabad Station", 17.4435, 78.5012, 0},
			{"PAR001", "Paradise Circle", 17.4326, 78.4926, 8},
			{"ABI001", "Abids", 17.4011, 78.4744, 20},
			{"KOT001", "Koti", 17.3894, 78.4747, 28},
			{"SUL001", "Sultan Bazaar", 17.3789, 78.4772, 34},
			{"MEH001", "Mehdipatnam", 17.3969, 78.4361, 48},
		},
	},
	{
		id: "route-216", name: "Jubilee Hills to LB Nagar", number: "216",
		distanceKm: 28.2, durationM: 65,
		hours:    fleet.OperatingHours{Start: "06:00", End: "22:30"},
		headwayM: 12,
		fare:     fleet.Fare{Adult: 35, Student: 18, Senior: 18},
		color:    "#3498db",
		stops: []demoStop{
			{"JUB001", "Jubilee Hills Check Post", 17.4239, 78.4138, 0},
			{"BAN001", "Banjara Hills", 17.4126, 78.4398, 10},
			{"PUN001", "Punjagutta", 17.4239, 78.4482, 18},
			{"AME001", "Ameerpet", 17.4374, 78.4482, 25},
			{"DIL001", "Dilsukhnagar", 17.3681, 78.5242, 50},
			{"LBN001", "LB Nagar", 17.3497, 78.5503, 62},
		},
	},
	{
		id: "route-htc1", name: "Hitech City Circular", number: "HTC1",
		distanceKm: 15.8, durationM: 40,
		hours:    fleet.OperatingHours{Start: "06:30", End: "21:30"},
		headwayM: 15,
		fare:     fleet.Fare{Adult: 20, Student: 10, Senior: 10},
		color:    "#2ecc71",
		stops: []demoStop{
			{"HIT001", "Hitech City", 17.4483, 78.3915, 0},
			{"CYB001", "Cyber Towers", 17.4504, 78.3808, 6},
			{"GAC001", "Gachibowli", 17.4399, 78.3489, 16},
			{"CON001", "Kondapur", 17.4615, 78.3659, 26},
			{"MAD001", "Madhapur", 17.4482, 78.3915, 36},
		},
	},
}

// SeedDemoData inserts sample routes and vehicles when the routes table is empty.
// vehiclesPerRoute controls how many vehicles are spread along each route.
func SeedDemoData(ctx context.Context, db *sql.DB, vehiclesPerRoute int, now time.Time) error {
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM routes`).Scan(&count); err != nil {
		return fmt.Errorf("count routes: %w", err)
	}
	if count > 0 {
		return nil
	}
	if vehiclesPerRoute <= 0 {
		vehiclesPerRoute = 3
	}

	for _, dr := range demoRoutes {
		route := fleet.Route{
			ID:              dr.id,
			Name:            dr.name,
			Number:          dr.number,
			TotalDistanceKm: dr.distanceKm,
			DurationMinutes: dr.durationM,
			OperatingHours:  dr.hours,
			HeadwayMinutes:  dr.headwayM,
			Fare:            dr.fare,
			Status:          fleet.RouteActive,
			Color:           dr.color,
		}
		for i, ds := range dr.stops {
			route.Stops = append(route.Stops, fleet.Stop{
				ID:               ds.id,
				Name:             ds.name,
				Coordinates:      geo.Coordinates{Latitude: ds.lat, Longitude: ds.lon},
				Order:            i + 1,
				MinutesFromStart: ds.minutes,
				Facilities:       []string{"shelter"},
			})
		}
		if err := SaveRoute(ctx, db, route); err != nil {
			return err
		}

		for i := 0; i < vehiclesPerRoute; i++ {
			stop := dr.stops[(i*len(dr.stops))/vehiclesPerRoute]
			v := fleet.Vehicle{
				ID:      fmt.Sprintf("%s-bus-%d", dr.id, i+1),
				Number:  fmt.Sprintf("%s-%02d", dr.number, i+1),
				RouteID: dr.id,
				Status:  fleet.VehicleActive,
				Position: fleet.Position{
					Coordinates: geo.Coordinates{Latitude: stop.lat, Longitude: stop.lon},
					UpdatedAt:   now,
				},
				Occupancy: fleet.Occupancy{
					TotalSeats:    40,
					OccupiedSeats: 10 + (i*7)%17,
					Status:        fleet.OccupancyAvailable,
					UpdatedAt:     now,
				},
				SpeedKmh:   20,
				NextStopID: dr.stops[(i+1)%len(dr.stops)].id,
			}
			if err := SaveVehicle(ctx, db, v); err != nil {
				return err
			}
		}
	}
	return nil
}
