package auction

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openride/dispatch/internal/bus"
	"github.com/openride/dispatch/internal/geoindex"
	"github.com/openride/dispatch/internal/identity"
	"github.com/openride/dispatch/internal/models"
	"github.com/openride/dispatch/internal/ride"
	"github.com/openride/dispatch/pkg/common"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type recordingSub struct {
	id string

	mu     sync.Mutex
	events []*bus.Event
}

func (r *recordingSub) ID() string { return r.id }

func (r *recordingSub) Deliver(event *bus.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return true
}

func (r *recordingSub) ofType(t bus.EventType) []*bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*bus.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	store    *ride.MemoryStore
	registry *identity.Registry
	events   *bus.Bus
	engine   *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := ride.NewMemoryStore()
	events := bus.New(nil)
	index := geoindex.New()
	registry := identity.NewRegistry(identity.NewMemoryProfiles(), store, index, nil, events)
	engine := NewEngine(store, registry, events, nil)
	return &testEnv{store: store, registry: registry, events: events, engine: engine}
}

func (env *testEnv) registerDriver(t *testing.T, connID, driverID, phone string, lat, lon float64) *models.Driver {
	t.Helper()
	driver, err := env.registry.RegisterDriver(context.Background(), connID, driverID, &identity.DriverProfile{
		Name:     "Driver " + driverID,
		Phone:    phone,
		Location: &models.Location{Latitude: lat, Longitude: lon},
		Vehicles: []models.Vehicle{{
			Class:        models.ClassTaxi,
			ComfortLevel: 3,
			PriceValue:   3,
			Active:       true,
		}},
	})
	require.NoError(t, err)
	require.Equal(t, models.DriverAvailable, driver.Status)
	return driver
}

func (env *testEnv) registerRider(t *testing.T, connID, userID, phone string) *models.Rider {
	t.Helper()
	rider, err := env.registry.RegisterRider(context.Background(), connID, userID, &identity.RiderProfile{
		Name:  "Rider " + userID,
		Phone: phone,
	})
	require.NoError(t, err)
	return rider
}

func (env *testEnv) createRequest(t *testing.T, userID string) *models.RideRequest {
	t.Helper()
	req, err := env.engine.Create(context.Background(), CreateInput{
		UserID:      userID,
		RideType:    "Taxi",
		Pickup:      models.Location{Latitude: 28.6139, Longitude: 77.2090},
		Destination: models.Location{Latitude: 28.7041, Longitude: 77.1025},
	})
	require.NoError(t, err)
	require.Equal(t, models.RideBidding, req.Status)
	return req
}

func appCode(t *testing.T, err error) common.Code {
	t.Helper()
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %v", err)
	return appErr.Code
}

// ─── create ──────────────────────────────────────────────────────────────────

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Create(ctx, CreateInput{
		UserID:      "not-an-identity",
		RideType:    "Taxi",
		Pickup:      models.Location{Latitude: 28.6, Longitude: 77.2},
		Destination: models.Location{Latitude: 28.7, Longitude: 77.1},
	})
	assert.Equal(t, common.CodeInvalidUserID, appCode(t, err))

	_, err = env.engine.Create(ctx, CreateInput{
		UserID:      "USER_0000000A",
		RideType:    "Hovercraft",
		Pickup:      models.Location{Latitude: 28.6, Longitude: 77.2},
		Destination: models.Location{Latitude: 28.7, Longitude: 77.1},
	})
	assert.Equal(t, common.CodeValidationError, appCode(t, err))

	_, err = env.engine.Create(ctx, CreateInput{
		UserID:      "USER_0000000A",
		RideType:    "Taxi",
		Pickup:      models.Location{Latitude: 91, Longitude: 77.2},
		Destination: models.Location{Latitude: 28.7, Longitude: 77.1},
	})
	assert.Equal(t, common.CodeValidationError, appCode(t, err))
}

func TestCreateOpensAuction(t *testing.T) {
	env := newTestEnv(t)
	env.registerRider(t, "r1", "USER_0000000A", "+911000000001")

	req := env.createRequest(t, "USER_0000000A")

	assert.Regexp(t, `^[0-9a-f]{24}$`, req.ID)
	assert.Greater(t, req.EstimatedDistance, 0.0)
	assert.Empty(t, req.Bids)

	stored, err := env.store.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideBidding, stored.Status)
}

// ─── happy path (S1) ────────────────────────────────────────────────────────

func TestHappyPathAcceptance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerRider(t, "r1", "USER_0000000A", "+911000000001")
	env.registerDriver(t, "c1", "DRIVER_11111111", "+911000000002", 28.62, 77.21)
	env.registerDriver(t, "c2", "DRIVER_22222222", "+911000000003", 28.61, 77.20)

	riderSub := &recordingSub{id: "rider-sub"}
	env.events.Subscribe(bus.RiderRoom("USER_0000000A"), riderSub)
	loserSub := &recordingSub{id: "loser-sub"}
	env.events.Subscribe(bus.DriverRoom("DRIVER_11111111"), loserSub)
	winnerSub := &recordingSub{id: "winner-sub"}
	env.events.Subscribe(bus.DriverRoom("DRIVER_22222222"), winnerSub)

	req := env.createRequest(t, "USER_0000000A")

	_, _, err := env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{
		RequestID: req.ID, FareAmount: 180, EstimatedArrival: 5,
	})
	require.NoError(t, err)
	_, bid2, err := env.engine.PlaceBid(ctx, "DRIVER_22222222", BidInput{
		RequestID: req.ID, FareAmount: 160, EstimatedArrival: 3,
	})
	require.NoError(t, err)

	accepted, err := env.engine.AcceptBid(ctx, "USER_0000000A", req.ID, bid2.ID)
	require.NoError(t, err)

	assert.Equal(t, models.RideAccepted, accepted.Status)
	require.NotNil(t, accepted.AcceptedBid)
	assert.Equal(t, "DRIVER_22222222", accepted.AcceptedBid.DriverID)
	assert.Equal(t, models.BidAccepted, accepted.AcceptedBid.Status)

	losing := accepted.BidByDriver("DRIVER_11111111")
	require.NotNil(t, losing)
	assert.Equal(t, models.BidRejected, losing.Status)
	assert.NotNil(t, losing.RejectedAt)

	winner, err := env.registry.GetDriver(ctx, "DRIVER_22222222")
	require.NoError(t, err)
	assert.Equal(t, models.DriverBusy, winner.Status)

	assert.Len(t, riderSub.ofType(bus.EventRideBidAccepted), 1)
	assert.Len(t, winnerSub.ofType(bus.EventRideBidAccepted), 1)
	assert.Len(t, loserSub.ofType(bus.EventRideBidRejected), 1)
}

// ─── late bid (S2) ──────────────────────────────────────────────────────────

func TestLateBidRejectedAfterAcceptance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerRider(t, "r1", "USER_0000000A", "+911000000001")
	env.registerDriver(t, "c1", "DRIVER_11111111", "+911000000002", 28.62, 77.21)
	env.registerDriver(t, "c3", "DRIVER_33333333", "+911000000004", 28.60, 77.19)

	req := env.createRequest(t, "USER_0000000A")
	_, bid, err := env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{
		RequestID: req.ID, FareAmount: 180,
	})
	require.NoError(t, err)
	_, err = env.engine.AcceptBid(ctx, "USER_0000000A", req.ID, bid.ID)
	require.NoError(t, err)

	_, _, err = env.engine.PlaceBid(ctx, "DRIVER_33333333", BidInput{
		RequestID: req.ID, FareAmount: 140,
	})
	assert.Equal(t, common.CodeRequestNotBiddable, appCode(t, err))

	after, err := env.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, after.Bids, 1)
}

// ─── re-bid overwrite (S3) ──────────────────────────────────────────────────

func TestRebidOverwritesExistingBid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerRider(t, "r1", "USER_0000000A", "+911000000001")
	env.registerDriver(t, "c1", "DRIVER_11111111", "+911000000002", 28.62, 77.21)

	riderSub := &recordingSub{id: "rider-sub"}
	env.events.Subscribe(bus.RiderRoom("USER_0000000A"), riderSub)

	req := env.createRequest(t, "USER_0000000A")

	_, first, err := env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{
		RequestID: req.ID, FareAmount: 200,
	})
	require.NoError(t, err)
	_, second, err := env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{
		RequestID: req.ID, FareAmount: 175,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "re-bid must mutate, not append")
	assert.Equal(t, 175.0, second.FareAmount)

	after, err := env.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, after.Bids, 1)
	assert.Equal(t, 175.0, after.Bids[0].FareAmount)

	assert.Len(t, riderSub.ofType(bus.EventRideBidUpdate), 2)
}

// ─── bid preconditions ──────────────────────────────────────────────────────

func TestPlaceBidPreconditions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerRider(t, "r1", "USER_0000000A", "+911000000001")
	env.registerDriver(t, "c1", "DRIVER_11111111", "+911000000002", 28.62, 77.21)
	req := env.createRequest(t, "USER_0000000A")

	_, _, err := env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{
		RequestID: req.ID, FareAmount: 0,
	})
	assert.Equal(t, common.CodeInvalidBidAmount, appCode(t, err))

	_, _, err = env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{
		RequestID: "ffffffffffffffffffffffff", FareAmount: 100,
	})
	assert.Equal(t, common.CodeRequestNotFound, appCode(t, err))

	_, _, err = env.engine.PlaceBid(ctx, "DRIVER_99999999", BidInput{
		RequestID: req.ID, FareAmount: 100,
	})
	assert.Equal(t, common.CodeDriverNotFound, appCode(t, err))

	// An offline driver cannot bid.
	_, err = env.registry.Unregister(ctx, "c1")
	require.NoError(t, err)
	_, _, err = env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{
		RequestID: req.ID, FareAmount: 100,
	})
	assert.Equal(t, common.CodeDriverNotOnline, appCode(t, err))
}

// ─── auction expiry (S4) ────────────────────────────────────────────────────

func TestAuctionExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerRider(t, "r1", "USER_0000000A", "+911000000001")
	env.registerDriver(t, "c1", "DRIVER_11111111", "+911000000002", 28.62, 77.21)
	req := env.createRequest(t, "USER_0000000A")
	_, _, err := env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{
		RequestID: req.ID, FareAmount: 180,
	})
	require.NoError(t, err)

	expired, err := env.engine.Expire(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, expired)

	after, err := env.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideCancelled, after.Status)
	assert.Equal(t, ExpiryReason, after.CancellationReason)
	require.Len(t, after.Bids, 1)
	assert.Equal(t, models.BidExpired, after.Bids[0].Status)

	// Expiry of a closed auction is a no-op.
	expired, err = env.engine.Expire(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, expired)
}

// ─── concurrent accept (S5) ─────────────────────────────────────────────────

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerRider(t, "r1", "USER_0000000A", "+911000000001")
	env.registerDriver(t, "c1", "DRIVER_11111111", "+911000000002", 28.62, 77.21)
	env.registerDriver(t, "c2", "DRIVER_22222222", "+911000000003", 28.61, 77.20)

	req := env.createRequest(t, "USER_0000000A")
	_, bid1, err := env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{RequestID: req.ID, FareAmount: 180})
	require.NoError(t, err)
	_, bid2, err := env.engine.PlaceBid(ctx, "DRIVER_22222222", BidInput{RequestID: req.ID, FareAmount: 160})
	require.NoError(t, err)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, bidID := range []string{bid1.ID, bid2.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.engine.AcceptBid(ctx, "USER_0000000A", req.ID, id)
			results <- err
		}(bidID)
	}
	wg.Wait()
	close(results)

	var failures []error
	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else {
			failures = append(failures, err)
		}
	}
	require.Equal(t, 1, successes, "exactly one accept must win")
	require.Len(t, failures, 1)
	assert.Equal(t, common.CodeBiddingClosed, appCode(t, failures[0]))

	after, err := env.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideAccepted, after.Status)
	require.NotNil(t, after.AcceptedBid)

	acceptedCount := 0
	for _, b := range after.Bids {
		if b.Status == models.BidAccepted {
			acceptedCount++
			assert.Equal(t, after.AcceptedBid.DriverID, b.DriverID)
		} else {
			assert.Equal(t, models.BidRejected, b.Status)
		}
	}
	assert.Equal(t, 1, acceptedCount)
}

// ─── driver offline mid-auction (S6) ────────────────────────────────────────

func TestAcceptOfflineDriverFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerRider(t, "r1", "USER_0000000A", "+911000000001")
	env.registerDriver(t, "c1", "DRIVER_11111111", "+911000000002", 28.62, 77.21)
	env.registerDriver(t, "c2", "DRIVER_22222222", "+911000000003", 28.61, 77.20)

	req := env.createRequest(t, "USER_0000000A")
	_, bid1, err := env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{RequestID: req.ID, FareAmount: 180})
	require.NoError(t, err)
	_, bid2, err := env.engine.PlaceBid(ctx, "DRIVER_22222222", BidInput{RequestID: req.ID, FareAmount: 160})
	require.NoError(t, err)

	// Driver 1 disconnects; its bid stays visible.
	_, err = env.registry.Unregister(ctx, "c1")
	require.NoError(t, err)
	current, err := env.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.NotNil(t, current.BidByDriver("DRIVER_11111111"))

	_, err = env.engine.AcceptBid(ctx, "USER_0000000A", req.ID, bid1.ID)
	assert.Equal(t, common.CodeDriverNotAvailable, appCode(t, err))

	// The auction stays open and the rider may pick another bid.
	current, err = env.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideBidding, current.Status)

	accepted, err := env.engine.AcceptBid(ctx, "USER_0000000A", req.ID, bid2.ID)
	require.NoError(t, err)
	assert.Equal(t, "DRIVER_22222222", accepted.AcceptedBid.DriverID)
}

// ─── driver reconnect mid-ride ──────────────────────────────────────────────

func TestDriverReconnectMidRideCannotBidAgain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerRider(t, "r1", "USER_0000000A", "+911000000001")
	env.registerDriver(t, "d1", "DRIVER_11111111", "+911000000002", 28.62, 77.21)

	first := env.createRequest(t, "USER_0000000A")
	_, bid, err := env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{RequestID: first.ID, FareAmount: 180, EstimatedArrival: 5})
	require.NoError(t, err)
	_, err = env.engine.AcceptBid(ctx, "USER_0000000A", first.ID, bid.ID)
	require.NoError(t, err)

	// The driver drops and reconnects while ride one is still live. The
	// reconnect must restore BUSY, or the driver could win a second
	// auction and hold two assignments at once.
	_, err = env.registry.Unregister(ctx, "d1")
	require.NoError(t, err)
	back, err := env.registry.RegisterDriver(ctx, "d2", "DRIVER_11111111", nil)
	require.NoError(t, err)
	assert.Equal(t, models.DriverBusy, back.Status)

	second := env.createRequest(t, "USER_0000000A")
	_, _, err = env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{RequestID: second.ID, FareAmount: 150, EstimatedArrival: 3})
	assert.Equal(t, common.CodeDriverBusy, appCode(t, err))
}

// ─── idempotence ────────────────────────────────────────────────────────────

func TestAcceptReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerRider(t, "r1", "USER_0000000A", "+911000000001")
	env.registerDriver(t, "c1", "DRIVER_11111111", "+911000000002", 28.62, 77.21)

	req := env.createRequest(t, "USER_0000000A")
	_, bid, err := env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{RequestID: req.ID, FareAmount: 180})
	require.NoError(t, err)

	first, err := env.engine.AcceptBid(ctx, "USER_0000000A", req.ID, bid.ID)
	require.NoError(t, err)
	replay, err := env.engine.AcceptBid(ctx, "USER_0000000A", req.ID, bid.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Status, replay.Status)
	assert.Equal(t, first.AcceptedBid.ID, replay.AcceptedBid.ID)
	assert.Equal(t, first.UpdatedAt, replay.UpdatedAt, "replay must not rewrite the record")
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerRider(t, "r1", "USER_0000000A", "+911000000001")
	req := env.createRequest(t, "USER_0000000A")

	riderSub := &recordingSub{id: "rider-sub"}
	env.events.Subscribe(bus.RiderRoom("USER_0000000A"), riderSub)

	first, err := env.engine.Cancel(ctx, "USER_0000000A", req.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.RideCancelled, first.Status)

	second, err := env.engine.Cancel(ctx, "USER_0000000A", req.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)

	assert.Len(t, riderSub.ofType(bus.EventRideCancelled), 1, "duplicate cancel must not fan out twice")
}

// ─── lifecycle ──────────────────────────────────────────────────────────────

func TestRideLifecycleThroughCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerRider(t, "r1", "USER_0000000A", "+911000000001")
	env.registerDriver(t, "c1", "DRIVER_11111111", "+911000000002", 28.62, 77.21)

	req := env.createRequest(t, "USER_0000000A")
	_, bid, err := env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{RequestID: req.ID, FareAmount: 180})
	require.NoError(t, err)
	_, err = env.engine.AcceptBid(ctx, "USER_0000000A", req.ID, bid.ID)
	require.NoError(t, err)

	// Only the assigned driver may drive the lifecycle.
	_, err = env.engine.Start(ctx, "DRIVER_99999999", req.ID)
	assert.Equal(t, common.CodeUnauthorized, appCode(t, err))

	started, err := env.engine.Start(ctx, "DRIVER_11111111", req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideInProgress, started.Status)

	done, err := env.engine.Complete(ctx, "DRIVER_11111111", req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideCompleted, done.Status)

	driver, err := env.registry.GetDriver(ctx, "DRIVER_11111111")
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, driver.Status)
	assert.Equal(t, 1, driver.TotalRides)

	rider, err := env.registry.GetRider(ctx, "USER_0000000A")
	require.NoError(t, err)
	assert.Equal(t, 1, rider.TotalRides)

	// Terminal states admit nothing further.
	_, err = env.engine.Cancel(ctx, "USER_0000000A", req.ID, "too late")
	assert.Equal(t, common.CodeInvalidStatus, appCode(t, err))
}

func TestCancelReleasesAssignedDriver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerRider(t, "r1", "USER_0000000A", "+911000000001")
	env.registerDriver(t, "c1", "DRIVER_11111111", "+911000000002", 28.62, 77.21)

	req := env.createRequest(t, "USER_0000000A")
	_, bid, err := env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{RequestID: req.ID, FareAmount: 180})
	require.NoError(t, err)
	_, err = env.engine.AcceptBid(ctx, "USER_0000000A", req.ID, bid.ID)
	require.NoError(t, err)

	_, err = env.engine.Cancel(ctx, "USER_0000000A", req.ID, "plans changed")
	require.NoError(t, err)

	driver, err := env.registry.GetDriver(ctx, "DRIVER_11111111")
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, driver.Status)
}

func TestAcceptRequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerRider(t, "r1", "USER_0000000A", "+911000000001")
	env.registerDriver(t, "c1", "DRIVER_11111111", "+911000000002", 28.62, 77.21)

	req := env.createRequest(t, "USER_0000000A")
	_, bid, err := env.engine.PlaceBid(ctx, "DRIVER_11111111", BidInput{RequestID: req.ID, FareAmount: 180})
	require.NoError(t, err)

	_, err = env.engine.AcceptBid(ctx, "USER_0000000B", req.ID, bid.ID)
	assert.Equal(t, common.CodeUnauthorized, appCode(t, err))
}
