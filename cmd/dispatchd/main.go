package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openride/dispatch/internal/auction"
	"github.com/openride/dispatch/internal/bus"
	"github.com/openride/dispatch/internal/dispatch"
	"github.com/openride/dispatch/internal/gateway"
	"github.com/openride/dispatch/internal/geoindex"
	"github.com/openride/dispatch/internal/identity"
	"github.com/openride/dispatch/internal/resthttp"
	"github.com/openride/dispatch/internal/ride"
	"github.com/openride/dispatch/internal/scheduler"
	"github.com/openride/dispatch/pkg/config"
	"github.com/openride/dispatch/pkg/logger"
)

const (
	serviceName = "dispatchd"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting dispatch server",
		zap.String("service", serviceName),
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
	)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ride and profile stores: Postgres when configured, in-memory otherwise.
	var (
		rideStore ride.Store
		profiles  identity.Profiles
	)
	if cfg.Database.URL != "" {
		pool, err := ride.NewPool(rootCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		rideStore = ride.NewPostgresStore(pool)
		profiles = identity.NewPostgresProfiles(pool)
		logger.Info("Connected to database")
	} else {
		rideStore = ride.NewMemoryStore()
		profiles = identity.NewMemoryProfiles()
		logger.Warn("No DATABASE_URL set, running with in-memory stores")
	}

	// Redis backs the geo mirror and inbound idempotency; both degrade
	// gracefully when absent.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(rootCtx).Err(); err != nil {
			logger.Warn("Redis unreachable, continuing without it", zap.Error(err))
			rdb = nil
		} else {
			defer func() { _ = rdb.Close() }()
			logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))
		}
	}

	var outbound bus.Outbound
	if cfg.NATS.Enabled && cfg.NATS.URL != "" {
		hook, err := bus.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			logger.Warn("NATS unavailable, continuing without cross-server fan-out", zap.Error(err))
		} else {
			defer hook.Close()
			outbound = hook
		}
	}

	events := bus.New(outbound)
	index := geoindex.New()
	var cmdable redis.Cmdable
	if rdb != nil {
		cmdable = rdb
	}
	mirror := geoindex.NewMirror(cmdable)
	registry := identity.NewRegistry(profiles, rideStore, index, mirror, events)

	dispatcher := dispatch.New(index, rideStore, events, dispatch.Options{
		DefaultRadiusKm: cfg.Dispatch.DefaultRadiusKm,
		MaxRadiusKm:     cfg.Dispatch.MaxRadiusKm,
		MaxCandidates:   cfg.Dispatch.MaxCandidateDrivers,
		RetryDelay:      cfg.Dispatch.RetryDelay(),
	})
	engine := auction.NewEngine(rideStore, registry, events, dispatcher)

	gw := gateway.New(registry, engine, events, gateway.NewDeduper(cmdable), cfg.Session.HeartbeatInterval())
	defer gw.Shutdown()

	sched := scheduler.New(engine, rideStore, registry, index, gw, scheduler.Options{
		AuctionTTL:       cfg.Auction.AuctionTTL(),
		HeartbeatSweep:   cfg.Session.HeartbeatInterval(),
		SessionIdleAfter: cfg.Session.IdleTimeout(),
		DriverStaleAfter: cfg.Session.DriverStaleAfter(),
		Retention:        cfg.Auction.Retention(),
	})
	sched.Start()
	defer sched.Stop()

	handler := resthttp.NewHandler(engine, registry)
	router := resthttp.NewRouter(cfg.Server.Environment, cfg.Server.CORSOrigins, handler, gw)

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("addr", cfg.Server.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
