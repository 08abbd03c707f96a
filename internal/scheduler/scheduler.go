// Package scheduler drives the time-based transitions: auction expiry,
// heartbeat sweeps, stale-driver reaping and terminal-request cleanup.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openride/dispatch/internal/auction"
	"github.com/openride/dispatch/internal/geoindex"
	"github.com/openride/dispatch/internal/identity"
	"github.com/openride/dispatch/internal/ride"
	"github.com/openride/dispatch/pkg/logger"
)

// Options configure the sweep cadence and windows.
type Options struct {
	AuctionTTL       time.Duration // BIDDING window before forced expiry
	HeartbeatSweep   time.Duration // cadence of the idle-session sweep
	SessionIdleAfter time.Duration // idle window before eviction
	StaleSweep       time.Duration // cadence of the stale-driver reap
	DriverStaleAfter time.Duration // no-location window before forced OFFLINE
	Retention        time.Duration // age of terminal requests eligible for cleanup
}

func (o *Options) applyDefaults() {
	if o.AuctionTTL <= 0 {
		o.AuctionTTL = 2 * time.Minute
	}
	if o.HeartbeatSweep <= 0 {
		o.HeartbeatSweep = 30 * time.Second
	}
	if o.SessionIdleAfter <= 0 {
		o.SessionIdleAfter = 5 * time.Minute
	}
	if o.StaleSweep <= 0 {
		o.StaleSweep = time.Minute
	}
	if o.DriverStaleAfter <= 0 {
		o.DriverStaleAfter = 10 * time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
}

// SessionCloser is the gateway's eviction surface.
type SessionCloser interface {
	CloseSession(connID string)
}

// Scheduler runs the periodic sweeps on its own goroutine.
type Scheduler struct {
	engine   *auction.Engine
	store    ride.Store
	registry *identity.Registry
	index    *geoindex.Index
	sessions SessionCloser
	opts     Options

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New wires the scheduler.
func New(engine *auction.Engine, store ride.Store, registry *identity.Registry, index *geoindex.Index, sessions SessionCloser, opts Options) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		engine:   engine,
		store:    store,
		registry: registry,
		index:    index,
		sessions: sessions,
		opts:     opts,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Scheduler) Start() {
	go s.run()
	logger.Info("scheduler started",
		zap.Duration("auction_ttl", s.opts.AuctionTTL),
		zap.Duration("heartbeat_sweep", s.opts.HeartbeatSweep),
		zap.Duration("stale_sweep", s.opts.StaleSweep),
	)
}

// Stop halts the sweeps and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	// Expiry granularity of one second keeps short test TTLs accurate.
	expiry := time.NewTicker(time.Second)
	heartbeat := time.NewTicker(s.opts.HeartbeatSweep)
	stale := time.NewTicker(s.opts.StaleSweep)
	cleanup := time.NewTicker(24 * time.Hour)
	defer func() {
		expiry.Stop()
		heartbeat.Stop()
		stale.Stop()
		cleanup.Stop()
	}()

	for {
		select {
		case <-expiry.C:
			s.expireAuctions()
		case <-heartbeat.C:
			s.sweepSessions()
		case <-stale.C:
			s.reapStaleDrivers()
		case <-cleanup.C:
			s.cleanupTerminal()
		case <-s.stop:
			return
		}
	}
}

// expireAuctions cancels BIDDING requests whose window elapsed.
func (s *Scheduler) expireAuctions() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.opts.AuctionTTL)
	open, err := s.store.ListBiddingBefore(ctx, cutoff)
	if err != nil {
		logger.Error("expiry sweep query failed", zap.Error(err))
		return
	}

	for _, req := range open {
		expired, err := s.engine.Expire(ctx, req.ID)
		if err != nil {
			logger.Error("auction expiry failed",
				zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		if expired {
			logger.Info("auction expired by sweep", zap.String("request_id", req.ID))
		}
	}
}

// sweepSessions evicts connections that stopped answering heartbeats.
func (s *Scheduler) sweepSessions() {
	cutoff := time.Now().Add(-s.opts.SessionIdleAfter)
	for _, connID := range s.registry.IdleSessions(cutoff) {
		logger.Info("evicting idle session", zap.String("conn_id", connID))
		s.sessions.CloseSession(connID)
	}
}

// reapStaleDrivers forces OFFLINE any indexed driver whose last location
// update is too old.
func (s *Scheduler) reapStaleDrivers() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.opts.DriverStaleAfter)
	for _, driverID := range s.index.StaleDrivers(cutoff) {
		logger.Info("reaping stale driver", zap.String("driver_id", driverID))
		s.registry.ForceDriverOffline(ctx, driverID)
	}
}

// cleanupTerminal deletes terminal requests past the retention window.
func (s *Scheduler) cleanupTerminal() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.opts.Retention)
	removed, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		logger.Error("retention cleanup failed", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Info("retention cleanup", zap.Int64("removed", removed))
	}
}
