// Package dispatch pushes newly opened ride requests to candidate
// drivers and withdraws them once the auction closes.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openride/dispatch/internal/bus"
	"github.com/openride/dispatch/internal/geoindex"
	"github.com/openride/dispatch/internal/models"
	"github.com/openride/dispatch/pkg/logger"
	"github.com/openride/dispatch/pkg/metrics"
)

// Options tune candidate selection.
type Options struct {
	DefaultRadiusKm float64
	MaxRadiusKm     float64
	MaxCandidates   int
	RetryDelay      time.Duration
}

func (o *Options) applyDefaults() {
	if o.DefaultRadiusKm <= 0 {
		o.DefaultRadiusKm = 10
	}
	if o.MaxRadiusKm <= 0 {
		o.MaxRadiusKm = 50
	}
	if o.DefaultRadiusKm > o.MaxRadiusKm {
		o.DefaultRadiusKm = o.MaxRadiusKm
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = 10
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
}

// Store is the slice of the ride store the retry path needs to confirm
// a request is still accepting bids.
type Store interface {
	Get(ctx context.Context, id string) (*models.RideRequest, error)
}

// Dispatcher selects candidates from the geo index and fans the request
// out on the event bus.
type Dispatcher struct {
	index  *geoindex.Index
	store  Store
	events *bus.Bus
	opts   Options
}

// New creates a dispatcher.
func New(index *geoindex.Index, store Store, events *bus.Bus, opts Options) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{index: index, store: store, events: events, opts: opts}
}

// Dispatch announces the request to every candidate driver in range and
// to the global available-requests room, and returns the candidate
// count. With zero candidates it schedules one background retry; the
// auction stays open either way so late-joining drivers may bid.
func (d *Dispatcher) Dispatch(ctx context.Context, req *models.RideRequest) int {
	candidates := d.findCandidates(req)
	if len(candidates) == 0 {
		metrics.Dispatches.WithLabelValues("empty").Inc()
		logger.Info("no candidates in range, scheduling retry",
			zap.String("request_id", req.ID),
			zap.Float64("radius_km", d.opts.DefaultRadiusKm),
		)
		go d.retry(req.ID)
		d.announce(ctx, req, nil)
		return 0
	}

	metrics.Dispatches.WithLabelValues("matched").Inc()
	d.announce(ctx, req, candidates)
	return len(candidates)
}

// retry re-announces a request that initially matched nothing. The
// request is reloaded first: once it left the biddable state a removal
// has already gone out, and re-announcing would resurrect it in driver
// list views.
func (d *Dispatcher) retry(requestID string) {
	time.Sleep(d.opts.RetryDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := d.store.Get(ctx, requestID)
	if err != nil || !req.Status.Biddable() {
		metrics.Dispatches.WithLabelValues("retry_stale").Inc()
		return
	}

	candidates := d.findCandidates(req)
	if len(candidates) == 0 {
		metrics.Dispatches.WithLabelValues("retry_empty").Inc()
		return
	}
	metrics.Dispatches.WithLabelValues("retry_matched").Inc()
	d.announce(ctx, req, candidates)
}

func (d *Dispatcher) findCandidates(req *models.RideRequest) []geoindex.Candidate {
	return d.index.FindCandidates(
		req.Pickup,
		req.RideType,
		req.ComfortPreference,
		req.FarePreference,
		d.opts.DefaultRadiusKm,
		d.opts.MaxCandidates,
	)
}

func (d *Dispatcher) announce(ctx context.Context, req *models.RideRequest, candidates []geoindex.Candidate) {
	rooms := make([]bus.Room, 0, len(candidates)+1)
	rooms = append(rooms, bus.GlobalRoom)
	for _, c := range candidates {
		rooms = append(rooms, bus.DriverRoom(c.DriverID))
	}

	payload := map[string]interface{}{
		"request": req,
	}
	if len(candidates) > 0 {
		matches := make([]map[string]interface{}, 0, len(candidates))
		for _, c := range candidates {
			matches = append(matches, map[string]interface{}{
				"driverId":   c.DriverID,
				"distanceKm": c.DistanceKm,
				"matchScore": c.Score,
			})
		}
		payload["candidates"] = matches
	}

	d.events.Publish(ctx, bus.NewEvent(bus.EventRequestNew, payload), rooms...)
}

// Withdraw tells clients to drop a request that left the biddable state.
func (d *Dispatcher) Withdraw(ctx context.Context, req *models.RideRequest, reason string) {
	d.events.Publish(ctx, bus.NewEvent(bus.EventRequestRemoved, map[string]interface{}{
		"requestId": req.ID,
		"reason":    reason,
	}), bus.GlobalRoom, bus.RequestRoom(req.ID))
}

// Candidates exposes a bounded radius query for the read side. The
// radius is clamped to the configured maximum.
func (d *Dispatcher) Candidates(pickup models.Location, class models.VehicleClass, comfortMin, priceMax int, radiusKm float64) []geoindex.Candidate {
	if radiusKm <= 0 {
		radiusKm = d.opts.DefaultRadiusKm
	}
	if radiusKm > d.opts.MaxRadiusKm {
		radiusKm = d.opts.MaxRadiusKm
	}
	return d.index.FindCandidates(pickup, class, comfortMin, priceMax, radiusKm, d.opts.MaxCandidates)
}
