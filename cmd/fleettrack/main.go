package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"fleettrack/internal/arrivals"
	"fleettrack/internal/broadcast"
	"fleettrack/internal/clock"
	"fleettrack/internal/config"
	"fleettrack/internal/fleet"
	"fleettrack/internal/gateway"
	"fleettrack/internal/geoquery"
	"fleettrack/internal/httpapi"
	"fleettrack/internal/metrics"
	"fleettrack/internal/persist"
	"fleettrack/internal/relay"
	"fleettrack/internal/sim"
)

func main() {
	app := &cli.App{
		Name:  "fleettrack",
		Usage: "real-time vehicle fleet tracking and broadcast service",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the tracking service",
				Action: func(c *cli.Context) error { return serve() },
			},
			{
				Name:  "seed",
				Usage: "load demo routes and vehicles into the database",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "vehicles-per-route",
						Value: 3,
						Usage: "number of demo vehicles spread along each route",
					},
					&cli.StringFlag{
						Name:  "database",
						Usage: "seed into this database instead of the one in DATABASE_URL",
					},
				},
				Action: func(c *cli.Context) error {
					return seed(c.Int("vehicles-per-route"), c.String("database"))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func setupLogging(cfg *config.Config) {
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log.Logger = log.Logger.Level(level)
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	collector := metrics.NewCollector()
	store := fleet.NewStore(clock.System())
	router := broadcast.NewRouter(store, clock.System(), collector)

	// Persistence is optional: without a database the store starts empty and
	// state lives only in memory.
	if cfg.DatabaseURL != "" {
		db, err := persist.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := persist.Ping(ctx, db); err != nil {
			return err
		}
		if err := persist.EnsureSchema(ctx, db); err != nil {
			return err
		}
		routes, vehicles, err := persist.Restore(ctx, db, store)
		if err != nil {
			return err
		}
		log.Info().Int("routes", routes).Int("vehicles", vehicles).Msg("state restored")

		cp := persist.NewCheckpointer(db, store, cfg.PersistInterval)
		go cp.Run(ctx)
	} else {
		log.Warn().Msg("no database configured, state is in-memory only")
	}

	if cfg.NATSURL != "" {
		rl, err := relay.New(cfg.NATSURL, cfg.LogNATSSubjects, collector)
		if err != nil {
			return err
		}
		defer rl.Close()
		router.AddTap(rl)
		log.Info().Str("url", cfg.NATSURL).Msg("nats relay attached")
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = collector.Serve(cfg.MetricsAddr)
	}

	estimator := arrivals.NewEstimator(store, clock.System(), cfg.ReferenceSpeedKmh)
	query := geoquery.New(store)

	gw := gateway.New(router, cfg, collector)
	api := httpapi.NewServer(store, query, estimator, router, clock.System())

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	api.Mount(engine)
	engine.GET("/ws", func(c *gin.Context) { gw.ServeWS(c.Writer, c.Request) })

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: engine}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	var mgr *sim.Manager
	if cfg.SimEnabled {
		policy := sim.DefaultPolicy()
		policy.BaseInterval = cfg.SimUpdateEvery
		policy.JitterMax = cfg.SimJitterMax
		mgr = sim.NewManager(store, router, clock.System(), policy, collector)
		mgr.Start(ctx)
		log.Info().Msg("motion simulator started")
	}

	<-ctx.Done()

	if mgr != nil {
		mgr.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func seed(vehiclesPerRoute int, database string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL must be set to seed")
	}
	dsn := cfg.DatabaseURL
	if database != "" {
		dsn, err = persist.WithDBName(dsn, database)
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := persist.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := persist.Ping(ctx, db); err != nil {
		return err
	}
	if err := persist.EnsureSchema(ctx, db); err != nil {
		return err
	}
	if err := persist.SeedDemoData(ctx, db, vehiclesPerRoute, time.Now()); err != nil {
		return err
	}
	log.Info().Msg("demo data seeded")
	return nil
}
