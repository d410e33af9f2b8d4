package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/claim"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/stats"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	feedMinBackoff = time.Second
	feedMaxBackoff = 30 * time.Second
)

func runServe(parent context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []func(context.Context) error

	var store storage.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := storage.Migrate(cfg.PGDSN); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
		checks = append(checks, pg.Ping)
	} else {
		logger.Warn("PG_DSN not set; using in-memory store")
		store = storage.NewMemoryStore()
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	} else {
		index = geo.NewMemIndex()
	}

	var producer *ingest.KafkaProducer
	var sink location.SampleSink = store
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaSamplesTopic, cfg.KafkaRidesTopic)
		defer producer.Close()
		// the telemetry consumer persists samples from Kafka
		sink = producer
	}

	broker := feed.NewBroker(256)
	var publisher feed.Publisher = broker
	var upstream feed.Source
	switch cfg.FeedTransport {
	case config.TransportKafka:
		publisher = producer
		upstream = &feed.KafkaSource{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaRidesTopic, GroupID: cfg.KafkaGroupID, Logger: logger}
	case config.TransportPostgres:
		// the rides table trigger emits the notifications
		publisher = feed.Discard{}
		upstream = &feed.PGSource{DSN: cfg.PGDSN, Rides: store, Logger: logger}
	}
	if upstream != nil {
		relay := &feed.Relay{Source: upstream, Broker: broker, Logger: logger, MinBackoff: feedMinBackoff, MaxBackoff: feedMaxBackoff}
		go relay.Run(ctx)
	}

	var router eta.Router
	if cfg.OSRMEndpoint != "" {
		router = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	planner := eta.NewPlanner(router, eta.NewCache(cfg.RouteCacheTTL), cfg.ETAFallbackSpeedKmh)

	fixes := location.NewFixBuffer()
	addrs := location.NewAddrBook()
	tiers := location.TierConfig{
		HighTimeout:     cfg.LocationHighTimeout,
		HighAccuracyM:   cfg.LocationHighAccuracyM,
		LowTimeout:      cfg.LocationLowTimeout,
		NetworkTimeout:  cfg.LocationNetworkTimeout,
		MaxFixAge:       cfg.LocationMaxFixAge,
		NetworkEndpoint: cfg.IPGeoEndpoint,
	}
	locator := location.NewTieredLocator(logger, location.DefaultTiers(tiers, fixes, location.NewNetworkProvider(cfg.IPGeoEndpoint, addrs))...)
	trackLocator := location.NewTieredLocator(logger, location.TrackingTiers(tiers, fixes)...)

	ws := dispatch.NewWSRegistry(logger)
	mgr := &session.Manager{
		Store:    store,
		Locator:  locator,
		Index:    index,
		Source:   broker,
		Observer: ws,
		Logger:   logger,
		Feed: feed.Config{
			CandidateRadiusKm: cfg.CandidateRadiusKm,
			NotifyRadiusKm:    cfg.NotifyRadiusKm,
			MinBackoff:        feedMinBackoff,
			MaxBackoff:        feedMaxBackoff,
		},
	}
	observers := dispatch.Multi{mgr, ws}

	tracker := location.NewTracker(trackLocator, store, index, sink, observers, logger, location.TrackerConfig{
		Interval:         cfg.TrackerInterval,
		FailureThreshold: cfg.TrackerFailureThreshold,
	})
	agg := stats.NewAggregator(store, ws, logger, cfg.StatsMaxSampleGap, cfg.Location())
	arb := claim.NewArbitrator(store, publisher, logger, cfg.ClaimTimeout)
	machine := &ride.Machine{
		Store:     store,
		Claimer:   arb,
		Publisher: publisher,
		Tracer:    tracker,
		Planner:   planner,
		Stats:     agg,
		Observer:  observers,
		Logger:    logger,
		LockTTL:   cfg.ClaimLockTTL,
	}
	mgr.Tracker = tracker
	mgr.Rides = machine
	mgr.Decliner = arb

	fanout := &matcher.Service{
		Index:    index,
		Push:     dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey, ws, logger),
		Planner:  planner,
		RadiusKm: cfg.NotifyRadiusKm,
		TopN:     cfg.MatcherTopN,
		Logger:   logger,
	}
	go fanout.Run(ctx, broker)

	if n, err := mgr.Restore(ctx); err != nil {
		logger.Error("restore sessions failed", "error", err, "restored", n)
	}
	defer mgr.Close()

	api := httpapi.NewServer(&httpapi.Server{
		Sessions: mgr,
		Rides:    machine,
		Store:    store,
		Stats:    agg,
		Fixes:    fixes,
		Addrs:    addrs,
		WSReg:    ws,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "feed_transport", cfg.FeedTransport)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
