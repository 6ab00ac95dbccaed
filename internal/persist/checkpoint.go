package persist

import (
	"context"
	"database/sql"
	"time"

	"fleettrack/internal/fleet"

	"github.com/rs/zerolog/log"
)

// Checkpointer periodically flushes the in-memory fleet state to Postgres so
// a restart resumes from the last snapshot instead of an empty store.
type Checkpointer struct {
	db       *sql.DB
	store    *fleet.Store
	interval time.Duration
}

func NewCheckpointer(db *sql.DB, store *fleet.Store, interval time.Duration) *Checkpointer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Checkpointer{db: db, store: store, interval: interval}
}

// Run flushes on every tick until the context is cancelled, then performs a
// final flush so shutdown never loses the last interval of updates.
func (c *Checkpointer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// Flush writes the current snapshot. Per-row failures are logged and skipped
// so one bad row does not stall the rest of the checkpoint.
func (c *Checkpointer) Flush(ctx context.Context) {
	start := time.Now()
	var saved, failed int

	for _, r := range c.store.SnapshotRoutes() {
		if err := SaveRoute(ctx, c.db, r); err != nil {
			log.Error().Err(err).Str("route_id", r.ID).Msg("checkpoint route failed")
			failed++
			continue
		}
		saved++
	}
	for _, v := range c.store.SnapshotVehicles() {
		if err := SaveVehicle(ctx, c.db, v); err != nil {
			log.Error().Err(err).Str("vehicle_id", v.ID).Msg("checkpoint vehicle failed")
			failed++
			continue
		}
		saved++
	}

	log.Debug().
		Int("saved", saved).
		Int("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("fleet checkpoint")
}

// Restore loads persisted routes and vehicles into the store. Rows that fail
// validation are logged and skipped.
func Restore(ctx context.Context, db *sql.DB, store *fleet.Store) (routes, vehicles int, err error) {
	rs, err := LoadRoutes(ctx, db)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range rs {
		if err := store.AddRoute(r); err != nil {
			log.Warn().Err(err).Str("route_id", r.ID).Msg("skipping persisted route")
			continue
		}
		routes++
	}

	vs, err := LoadVehicles(ctx, db)
	if err != nil {
		return routes, 0, err
	}
	for _, v := range vs {
		if err := store.AddVehicle(v); err != nil {
			log.Warn().Err(err).Str("vehicle_id", v.ID).Msg("skipping persisted vehicle")
			continue
		}
		vehicles++
	}
	return routes, vehicles, nil
}
