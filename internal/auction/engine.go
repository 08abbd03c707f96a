// Package auction owns the per-request bid-collection state machine:
// bid placement, single-winner acceptance, cancellation and the ride
// lifecycle through completion.
package auction

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/openride/dispatch/internal/bus"
	"github.com/openride/dispatch/internal/models"
	"github.com/openride/dispatch/internal/ride"
	"github.com/openride/dispatch/pkg/common"
	"github.com/openride/dispatch/pkg/geo"
	"github.com/openride/dispatch/pkg/logger"
	"github.com/openride/dispatch/pkg/metrics"
	"github.com/openride/dispatch/pkg/validation"
)

// ExpiryReason is recorded on requests cancelled by the auction timer.
const ExpiryReason = "AUCTION_EXPIRED"

// Commit retry policy for optimistic store writes.
const (
	maxCommitAttempts = 3
	commitBackoffBase = 25 * time.Millisecond
)

// Assumed average city speed used to derive the duration estimate from
// the haversine distance.
const estimatedSpeedKmh = 30.0

// DriverGate is the slice of the identity registry the engine needs for
// driver-side checks and status flips. Driver locks live behind it; the
// engine always holds the request lock first.
type DriverGate interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	MarkDriverBusy(ctx context.Context, driverID string) error
	ReleaseDriver(ctx context.Context, driverID string) error
	IncrementRideTotals(ctx context.Context, userID, driverID string)
}

// Announcer pushes requests to candidate drivers and withdraws them when
// the auction closes.
type Announcer interface {
	Dispatch(ctx context.Context, req *models.RideRequest) int
	Withdraw(ctx context.Context, req *models.RideRequest, reason string)
}

// Engine serialises all mutations of a ride request behind a per-request
// lock and persists them with compare-and-swap writes.
type Engine struct {
	store    ride.Store
	drivers  DriverGate
	events   *bus.Bus
	dispatch Announcer
	locks    *requestLocks
}

// NewEngine wires the auction engine. dispatch may be nil in tests.
func NewEngine(store ride.Store, drivers DriverGate, events *bus.Bus, dispatch Announcer) *Engine {
	return &Engine{
		store:    store,
		drivers:  drivers,
		events:   events,
		dispatch: dispatch,
		locks:    newRequestLocks(),
	}
}

// CreateInput is a rider's new ride request.
type CreateInput struct {
	UserID            string          `json:"userId" validate:"required"`
	RideType          string          `json:"rideType" validate:"required,vehicle_class"`
	Pickup            models.Location `json:"pickupLocation"`
	Destination       models.Location `json:"destination"`
	ComfortPreference int             `json:"comfortPreference" validate:"omitempty,rank"`
	FarePreference    int             `json:"farePreference" validate:"omitempty,rank"`
}

// Create validates and persists a new request, then opens the auction.
// The request is dispatched to candidate drivers; it enters BIDDING even
// when no candidate is in range so late-joining drivers may still bid.
func (e *Engine) Create(ctx context.Context, input CreateInput) (*models.RideRequest, error) {
	if !models.RiderIDPattern.MatchString(input.UserID) {
		return nil, common.NewBadRequest(common.CodeInvalidUserID, "malformed rider identity")
	}
	if err := validation.ValidateStruct(input); err != nil {
		return nil, err
	}
	if !geo.ValidCoordinates(input.Pickup.Latitude, input.Pickup.Longitude) ||
		!geo.ValidCoordinates(input.Destination.Latitude, input.Destination.Longitude) {
		return nil, common.NewBadRequest(common.CodeInvalidCoordinates, "coordinates out of range")
	}

	comfort := input.ComfortPreference
	if comfort == 0 {
		comfort = 1
	}
	fare := input.FarePreference
	if fare == 0 {
		fare = 5
	}

	distance := geo.HaversineKm(
		input.Pickup.Latitude, input.Pickup.Longitude,
		input.Destination.Latitude, input.Destination.Longitude,
	)
	now := time.Now().UTC()
	req := &models.RideRequest{
		ID:                models.NewRequestID(),
		UserID:            input.UserID,
		Pickup:            input.Pickup,
		Destination:       input.Destination,
		RideType:          models.VehicleClass(input.RideType),
		ComfortPreference: comfort,
		FarePreference:    fare,
		EstimatedDistance: distance,
		EstimatedDuration: int(distance / estimatedSpeedKmh * 60),
		Status:            models.RidePending,
		Bids:              []models.Bid{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.Create(ctx, req); err != nil {
		return nil, common.NewInternalError("persist ride request", err)
	}

	release := e.locks.acquire(req.ID)
	defer release()

	req.Status = models.RideBidding
	req.UpdatedAt = time.Now().UTC()
	if err := e.commit(ctx, req); err != nil {
		return nil, err
	}
	metrics.OpenAuctions.Inc()

	candidates := 0
	if e.dispatch != nil {
		candidates = e.dispatch.Dispatch(ctx, req)
	}
	logger.Info("auction opened",
		zap.String("request_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.Int("candidates", candidates),
	)

	e.events.Publish(ctx, bus.NewEvent(bus.EventRideRequestCreated, req.Clone()),
		bus.RiderRoom(req.UserID))
	return req.Clone(), nil
}

// BidInput is a driver's offer for one request.
type BidInput struct {
	RequestID        string  `json:"requestId" validate:"required"`
	FareAmount       float64 `json:"fareAmount" validate:"gt=0"`
	EstimatedArrival int     `json:"estimatedArrival" validate:"gte=0"`
	VehicleID        string  `json:"vehicleId,omitempty"`
	Message          string  `json:"message,omitempty"`
}

// PlaceBid records or overwrites the driver's bid while the auction is
// open. A driver has at most one bid per request; a re-bid mutates it.
func (e *Engine) PlaceBid(ctx context.Context, driverID string, input BidInput) (*models.RideRequest, *models.Bid, error) {
	if !models.DriverIDPattern.MatchString(driverID) {
		return nil, nil, common.NewBadRequest(common.CodeInvalidDriverID, "malformed driver identity")
	}
	if !models.RequestIDPattern.MatchString(input.RequestID) {
		return nil, nil, common.NewBadRequest(common.CodeInvalidRequestID, "malformed request id")
	}
	if input.FareAmount <= 0 {
		return nil, nil, common.NewBadRequest(common.CodeInvalidBidAmount, "fare amount must be positive")
	}

	driver, err := e.drivers.GetDriver(ctx, driverID)
	if err != nil {
		return nil, nil, err
	}
	if !driver.Online {
		return nil, nil, common.NewConflict(common.CodeDriverNotOnline, "driver is not online")
	}
	switch driver.Status {
	case models.DriverBusy:
		return nil, nil, common.NewConflict(common.CodeDriverBusy, "driver already has an active ride")
	case models.DriverAvailable:
	default:
		return nil, nil, common.NewConflict(common.CodeDriverNotAvailable, "driver is not available")
	}

	release := e.locks.acquire(input.RequestID)
	defer release()

	req, err := e.mutate(ctx, input.RequestID, func(req *models.RideRequest) error {
		if !req.Status.Biddable() {
			return common.NewConflict(common.CodeRequestNotBiddable, "request is not accepting bids")
		}

		now := time.Now().UTC()
		if existing := req.BidByDriver(driverID); existing != nil {
			existing.FareAmount = input.FareAmount
			existing.EstimatedArrival = input.EstimatedArrival
			existing.VehicleID = input.VehicleID
			existing.Message = input.Message
			existing.BidTime = now
			existing.UpdatedAt = now
			return nil
		}

		req.Bids = append(req.Bids, models.Bid{
			ID:               models.NewBidID(),
			DriverID:         driverID,
			FareAmount:       input.FareAmount,
			EstimatedArrival: input.EstimatedArrival,
			VehicleID:        input.VehicleID,
			Message:          input.Message,
			Status:           models.BidPending,
			BidTime:          now,
			UpdatedAt:        now,
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	metrics.BidsPlaced.Inc()

	placed := req.BidByDriver(driverID)
	e.events.Publish(ctx, bus.NewEvent(bus.EventRideBidUpdate, map[string]interface{}{
		"requestId": req.ID,
		"bid":       placed,
		"bidCount":  len(req.Bids),
	}), bus.RiderRoom(req.UserID), bus.RequestRoom(req.ID))

	bidCopy := *placed
	return req, &bidCopy, nil
}

// AcceptBid closes the auction with a single winner. Every other bid is
// rejected and the winning driver flips to BUSY. Replaying an accept for
// the already-chosen bid is a no-op success.
func (e *Engine) AcceptBid(ctx context.Context, userID, requestID, bidID string) (*models.RideRequest, error) {
	if !models.RequestIDPattern.MatchString(requestID) {
		return nil, common.NewBadRequest(common.CodeInvalidRequestID, "malformed request id")
	}
	if !models.BidIDPattern.MatchString(bidID) {
		return nil, common.NewBadRequest(common.CodeInvalidBidID, "malformed bid id")
	}

	release := e.locks.acquire(requestID)
	defer release()

	current, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if current.UserID != userID {
		return nil, common.NewUnauthorized("only the requesting rider may accept a bid")
	}
	if current.Status == models.RideAccepted && current.AcceptedBid != nil && current.AcceptedBid.ID == bidID {
		return current, nil // replay of the committed acceptance
	}
	if !current.Status.Biddable() {
		return nil, common.NewConflict(common.CodeBiddingClosed, "bidding is closed for this request")
	}
	winning := current.BidByID(bidID)
	if winning == nil {
		return nil, common.NewNotFound(common.CodeBidNotFound, "bid not found on this request")
	}

	// Driver lock is taken inside the gate, after the request lock.
	if err := e.drivers.MarkDriverBusy(ctx, winning.DriverID); err != nil {
		return nil, err
	}

	winnerID := winning.DriverID
	req, err := e.mutate(ctx, requestID, func(req *models.RideRequest) error {
		if !req.Status.Biddable() {
			return common.NewConflict(common.CodeBiddingClosed, "bidding is closed for this request")
		}
		bid := req.BidByID(bidID)
		if bid == nil {
			return common.NewNotFound(common.CodeBidNotFound, "bid not found on this request")
		}

		now := time.Now().UTC()
		for i := range req.Bids {
			b := &req.Bids[i]
			if b.ID == bidID {
				b.Status = models.BidAccepted
				b.AcceptedAt = &now
			} else {
				b.Status = models.BidRejected
				b.RejectedAt = &now
			}
			b.UpdatedAt = now
		}
		accepted := *req.BidByID(bidID)
		req.AcceptedBid = &accepted
		req.Status = models.RideAccepted
		return nil
	})
	if err != nil {
		if relErr := e.drivers.ReleaseDriver(ctx, winnerID); relErr != nil {
			logger.Error("driver release after failed accept",
				zap.String("driver_id", winnerID), zap.Error(relErr))
		}
		return nil, err
	}
	metrics.OpenAuctions.Dec()

	rooms := []bus.Room{bus.RiderRoom(req.UserID), bus.RequestRoom(req.ID), bus.DriverRoom(winnerID)}
	e.events.Publish(ctx, bus.NewEvent(bus.EventRideBidAccepted, map[string]interface{}{
		"requestId":   req.ID,
		"acceptedBid": req.AcceptedBid,
		"status":      req.Status,
	}), rooms...)
	for _, b := range req.Bids {
		if b.DriverID == winnerID {
			continue
		}
		e.events.Publish(ctx, bus.NewEvent(bus.EventRideBidRejected, map[string]interface{}{
			"requestId": req.ID,
			"bidId":     b.ID,
		}), bus.DriverRoom(b.DriverID))
	}
	if e.dispatch != nil {
		e.dispatch.Withdraw(ctx, req, "accepted")
	}

	logger.Info("bid accepted",
		zap.String("request_id", req.ID),
		zap.String("driver_id", winnerID),
		zap.Float64("fare", req.AcceptedBid.FareAmount),
	)
	return req, nil
}

// Cancel moves a non-terminal request to CANCELLED. A second cancel of an
// already-cancelled request succeeds without state change or fan-out.
func (e *Engine) Cancel(ctx context.Context, callerID, requestID, reason string) (*models.RideRequest, error) {
	if !models.RequestIDPattern.MatchString(requestID) {
		return nil, common.NewBadRequest(common.CodeInvalidRequestID, "malformed request id")
	}

	release := e.locks.acquire(requestID)
	defer release()

	current, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if current.Status == models.RideCancelled {
		return current, nil // idempotent replay
	}
	if callerID != "" && !e.mayCancel(current, callerID) {
		return nil, common.NewUnauthorized("caller is not a party to this request")
	}

	wasBidding := current.Status.Biddable()
	assigned := ""
	if current.AcceptedBid != nil {
		assigned = current.AcceptedBid.DriverID
	}

	req, err := e.mutate(ctx, requestID, func(req *models.RideRequest) error {
		if req.Status == models.RideCancelled {
			return nil
		}
		if req.Status.Terminal() {
			return common.NewConflict(common.CodeInvalidStatus, "request already completed")
		}
		now := time.Now().UTC()
		req.Status = models.RideCancelled
		req.CancellationReason = reason
		req.CancelledAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if assigned != "" {
		if err := e.drivers.ReleaseDriver(ctx, assigned); err != nil {
			logger.Error("driver release on cancel",
				zap.String("driver_id", assigned), zap.Error(err))
		}
	}
	if wasBidding {
		metrics.OpenAuctions.Dec()
	}

	rooms := []bus.Room{bus.RiderRoom(req.UserID), bus.RequestRoom(req.ID)}
	if assigned != "" {
		rooms = append(rooms, bus.DriverRoom(assigned))
	}
	e.events.Publish(ctx, bus.NewEvent(bus.EventRideCancelled, map[string]interface{}{
		"requestId": req.ID,
		"reason":    reason,
	}), rooms...)
	if e.dispatch != nil {
		e.dispatch.Withdraw(ctx, req, "cancelled")
	}
	return req, nil
}

// Start moves an accepted ride to IN_PROGRESS. Only the winning driver
// may start it.
func (e *Engine) Start(ctx context.Context, driverID, requestID string) (*models.RideRequest, error) {
	if !models.RequestIDPattern.MatchString(requestID) {
		return nil, common.NewBadRequest(common.CodeInvalidRequestID, "malformed request id")
	}

	release := e.locks.acquire(requestID)
	defer release()

	return e.mutate(ctx, requestID, func(req *models.RideRequest) error {
		if req.AcceptedBid == nil || req.AcceptedBid.DriverID != driverID {
			return common.NewUnauthorized("only the assigned driver may start the ride")
		}
		if !req.Status.CanTransition(models.RideInProgress) {
			return common.NewConflict(common.CodeInvalidStatus, "ride cannot start from "+string(req.Status))
		}
		req.Status = models.RideInProgress
		return nil
	})
}

// Complete finishes a ride from IN_PROGRESS, or directly from ACCEPTED as
// a shortcut. Frees the driver and bumps lifetime ride counts.
func (e *Engine) Complete(ctx context.Context, driverID, requestID string) (*models.RideRequest, error) {
	if !models.RequestIDPattern.MatchString(requestID) {
		return nil, common.NewBadRequest(common.CodeInvalidRequestID, "malformed request id")
	}

	release := e.locks.acquire(requestID)
	defer release()

	req, err := e.mutate(ctx, requestID, func(req *models.RideRequest) error {
		if req.AcceptedBid == nil || req.AcceptedBid.DriverID != driverID {
			return common.NewUnauthorized("only the assigned driver may complete the ride")
		}
		if !req.Status.CanTransition(models.RideCompleted) {
			return common.NewConflict(common.CodeInvalidStatus, "ride cannot complete from "+string(req.Status))
		}
		req.Status = models.RideCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.drivers.ReleaseDriver(ctx, driverID); err != nil {
		logger.Error("driver release on complete",
			zap.String("driver_id", driverID), zap.Error(err))
	}
	e.drivers.IncrementRideTotals(ctx, req.UserID, driverID)

	e.events.Publish(ctx, bus.NewEvent(bus.EventRideCompleted, map[string]interface{}{
		"requestId": req.ID,
		"driverId":  driverID,
	}), bus.RiderRoom(req.UserID), bus.DriverRoom(driverID), bus.RequestRoom(req.ID))

	logger.Info("ride completed",
		zap.String("request_id", req.ID),
		zap.String("driver_id", driverID),
	)
	return req, nil
}

// Expire cancels a still-open auction whose window elapsed. Open bids are
// marked EXPIRED. Returns false when the request already left BIDDING.
func (e *Engine) Expire(ctx context.Context, requestID string) (bool, error) {
	release := e.locks.acquire(requestID)
	defer release()

	expired := false
	req, err := e.mutate(ctx, requestID, func(req *models.RideRequest) error {
		if !req.Status.Biddable() {
			return nil
		}
		expired = true
		now := time.Now().UTC()
		for i := range req.Bids {
			if req.Bids[i].Status == models.BidPending {
				req.Bids[i].Status = models.BidExpired
				req.Bids[i].UpdatedAt = now
			}
		}
		req.Status = models.RideCancelled
		req.CancellationReason = ExpiryReason
		req.CancelledAt = &now
		return nil
	})
	if err != nil {
		return false, err
	}
	if !expired {
		return false, nil
	}
	metrics.OpenAuctions.Dec()

	e.events.Publish(ctx, bus.NewEvent(bus.EventRideCancelled, map[string]interface{}{
		"requestId": req.ID,
		"reason":    ExpiryReason,
	}), bus.RiderRoom(req.UserID), bus.RequestRoom(req.ID))
	if e.dispatch != nil {
		e.dispatch.Withdraw(ctx, req, "expired")
	}

	logger.Info("auction expired", zap.String("request_id", req.ID), zap.Int("bids", len(req.Bids)))
	return true, nil
}

// Available lists every request currently accepting bids.
func (e *Engine) Available(ctx context.Context) ([]*models.RideRequest, error) {
	reqs, err := e.store.ListBidding(ctx)
	if err != nil {
		return nil, common.NewInternalError("list open auctions", err)
	}
	return reqs, nil
}

// ListByUser pages through a rider's requests, newest first.
func (e *Engine) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.RideRequest, int64, error) {
	if !models.RiderIDPattern.MatchString(userID) {
		return nil, 0, common.NewBadRequest(common.CodeInvalidUserID, "malformed rider identity")
	}
	reqs, total, err := e.store.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, common.NewInternalError("list rider requests", err)
	}
	return reqs, total, nil
}

// ActiveRideForDriver returns the non-terminal request assigned to the
// driver, or nil.
func (e *Engine) ActiveRideForDriver(ctx context.Context, driverID string) (*models.RideRequest, error) {
	req, err := e.store.ActiveForDriver(ctx, driverID)
	if err != nil {
		return nil, common.NewInternalError("active ride lookup", err)
	}
	return req, nil
}

// Get returns the request by id.
func (e *Engine) Get(ctx context.Context, requestID string) (*models.RideRequest, error) {
	if !models.RequestIDPattern.MatchString(requestID) {
		return nil, common.NewBadRequest(common.CodeInvalidRequestID, "malformed request id")
	}
	return e.load(ctx, requestID)
}

func (e *Engine) mayCancel(req *models.RideRequest, callerID string) bool {
	if callerID == req.UserID {
		return true
	}
	return req.AcceptedBid != nil && req.AcceptedBid.DriverID == callerID
}

func (e *Engine) load(ctx context.Context, requestID string) (*models.RideRequest, error) {
	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, ride.ErrNotFound) {
			return nil, common.NewNotFound(common.CodeRequestNotFound, "ride request not found")
		}
		return nil, common.NewInternalError("load ride request", err)
	}
	return req, nil
}

// mutate loads the request, applies fn and commits with compare-and-swap.
// Lost races reload and retry with backoff; exhaustion surfaces as
// INTERNAL_ERROR. The caller must hold the request lock.
func (e *Engine) mutate(ctx context.Context, requestID string, fn func(*models.RideRequest) error) (*models.RideRequest, error) {
	var lastErr error
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		if attempt > 0 {
			backoff := commitBackoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, common.NewDeadlineExceeded("operation deadline exceeded")
			}
		}

		req, err := e.load(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if err := fn(req); err != nil {
			return nil, err
		}

		req.UpdatedAt = time.Now().UTC()
		switch err := e.store.Update(ctx, req); {
		case err == nil:
			return req, nil
		case errors.Is(err, ride.ErrVersionConflict):
			lastErr = err
			continue
		case errors.Is(err, context.DeadlineExceeded):
			return nil, common.NewDeadlineExceeded("operation deadline exceeded")
		default:
			return nil, common.NewInternalError("persist ride request", err)
		}
	}
	return nil, common.NewInternalError("ride request write contention", lastErr)
}

// commit persists a request the caller already mutated, with the same
// conflict policy as mutate.
func (e *Engine) commit(ctx context.Context, req *models.RideRequest) error {
	var lastErr error
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		switch err := e.store.Update(ctx, req); {
		case err == nil:
			return nil
		case errors.Is(err, ride.ErrVersionConflict):
			lastErr = err
			fresh, loadErr := e.load(ctx, req.ID)
			if loadErr != nil {
				return loadErr
			}
			req.Version = fresh.Version
			continue
		default:
			return common.NewInternalError("persist ride request", err)
		}
	}
	return common.NewInternalError("ride request write contention", lastErr)
}
