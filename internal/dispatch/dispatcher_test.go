package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openride/dispatch/internal/bus"
	"github.com/openride/dispatch/internal/geoindex"
	"github.com/openride/dispatch/internal/models"
	"github.com/openride/dispatch/internal/ride"
)

type captureSub struct {
	id string

	mu     sync.Mutex
	events []*bus.Event
}

func (c *captureSub) ID() string { return c.id }

func (c *captureSub) Deliver(event *bus.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return true
}

func (c *captureSub) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *captureSub) last() *bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

func taxi() []models.Vehicle {
	return []models.Vehicle{{
		ID:           models.NewVehicleID(),
		Class:        models.ClassTaxi,
		ComfortLevel: 3,
		PriceValue:   3,
		Active:       true,
	}}
}

func biddingRequest() *models.RideRequest {
	return &models.RideRequest{
		ID:                models.NewRequestID(),
		UserID:            "USER_0000000A",
		RideType:          models.ClassTaxi,
		Pickup:            models.Location{Latitude: 28.6139, Longitude: 77.2090},
		Destination:       models.Location{Latitude: 28.7041, Longitude: 77.1025},
		ComfortPreference: 1,
		FarePreference:    5,
		Status:            models.RideBidding,
	}
}

func TestDispatchFansOutToCandidates(t *testing.T) {
	index := geoindex.New()
	events := bus.New(nil)
	d := New(index, ride.NewMemoryStore(), events, Options{})

	index.Upsert("DRIVER_11111111", 28.62, 77.21, taxi(), 4.5)
	index.Upsert("DRIVER_22222222", 28.60, 77.20, taxi(), 4.5)
	// Far outside the default radius.
	index.Upsert("DRIVER_33333333", 29.5, 78.5, taxi(), 4.5)

	near := &captureSub{id: "near"}
	far := &captureSub{id: "far"}
	board := &captureSub{id: "board"}
	events.Subscribe(bus.DriverRoom("DRIVER_11111111"), near)
	events.Subscribe(bus.DriverRoom("DRIVER_33333333"), far)
	events.Subscribe(bus.GlobalRoom, board)

	req := biddingRequest()
	n := d.Dispatch(context.Background(), req)
	assert.Equal(t, 2, n)

	require.Equal(t, 1, near.count())
	assert.Equal(t, bus.EventRequestNew, near.last().Type)
	payload := near.last().Data.(map[string]interface{})
	assert.Contains(t, payload, "request")
	assert.Contains(t, payload, "candidates")

	assert.Equal(t, 0, far.count(), "out-of-range driver is not targeted")
	assert.Equal(t, 1, board.count(), "global room always hears about new requests")
}

func TestDispatchTargetedDriverHearsOnce(t *testing.T) {
	index := geoindex.New()
	events := bus.New(nil)
	d := New(index, ride.NewMemoryStore(), events, Options{})

	index.Upsert("DRIVER_11111111", 28.62, 77.21, taxi(), 4.5)

	// Subscribed to both the global board and its own room, the driver
	// must still see a single announcement.
	sub := &captureSub{id: "driver"}
	events.Subscribe(bus.GlobalRoom, sub)
	events.Subscribe(bus.DriverRoom("DRIVER_11111111"), sub)

	d.Dispatch(context.Background(), biddingRequest())
	assert.Equal(t, 1, sub.count())
}

func TestDispatchZeroCandidatesRetries(t *testing.T) {
	index := geoindex.New()
	events := bus.New(nil)
	store := ride.NewMemoryStore()
	d := New(index, store, events, Options{RetryDelay: 20 * time.Millisecond})

	board := &captureSub{id: "board"}
	driver := &captureSub{id: "driver"}
	events.Subscribe(bus.GlobalRoom, board)
	events.Subscribe(bus.DriverRoom("DRIVER_11111111"), driver)

	req := biddingRequest()
	require.NoError(t, store.Create(context.Background(), req))

	n := d.Dispatch(context.Background(), req)
	assert.Equal(t, 0, n)

	// The global announcement goes out immediately, without candidates.
	require.Equal(t, 1, board.count())
	payload := board.last().Data.(map[string]interface{})
	assert.NotContains(t, payload, "candidates")

	// A driver appearing before the retry fires gets the announcement.
	index.Upsert("DRIVER_11111111", 28.62, 77.21, taxi(), 4.5)
	assert.Eventually(t, func() bool { return driver.count() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestRetrySkipsWithdrawnRequest(t *testing.T) {
	index := geoindex.New()
	events := bus.New(nil)
	store := ride.NewMemoryStore()
	d := New(index, store, events, Options{RetryDelay: 20 * time.Millisecond})

	board := &captureSub{id: "board"}
	events.Subscribe(bus.GlobalRoom, board)

	req := biddingRequest()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, req))

	require.Equal(t, 0, d.Dispatch(ctx, req))
	require.Equal(t, 1, board.count())

	// The request leaves the biddable state before the retry fires.
	cancelled, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	cancelled.Status = models.RideCancelled
	require.NoError(t, store.Update(ctx, cancelled))
	d.Withdraw(ctx, req, "cancelled")

	// A late driver must not resurrect the removed request.
	index.Upsert("DRIVER_11111111", 28.62, 77.21, taxi(), 4.5)
	time.Sleep(4 * d.opts.RetryDelay)

	require.Equal(t, 2, board.count())
	assert.Equal(t, bus.EventRequestRemoved, board.last().Type)
}

func TestWithdraw(t *testing.T) {
	events := bus.New(nil)
	d := New(geoindex.New(), ride.NewMemoryStore(), events, Options{})

	req := biddingRequest()
	board := &captureSub{id: "board"}
	watcher := &captureSub{id: "watcher"}
	events.Subscribe(bus.GlobalRoom, board)
	events.Subscribe(bus.RequestRoom(req.ID), watcher)

	d.Withdraw(context.Background(), req, "accepted")

	require.Equal(t, 1, board.count())
	require.Equal(t, 1, watcher.count())
	assert.Equal(t, bus.EventRequestRemoved, board.last().Type)
	payload := watcher.last().Data.(map[string]interface{})
	assert.Equal(t, req.ID, payload["requestId"])
	assert.Equal(t, "accepted", payload["reason"])
}

func TestCandidatesClampsRadius(t *testing.T) {
	index := geoindex.New()
	d := New(index, ride.NewMemoryStore(), bus.New(nil), Options{DefaultRadiusKm: 10, MaxRadiusKm: 15})

	index.Upsert("DRIVER_11111111", 28.62, 77.21, taxi(), 4.5)
	// Roughly 100 km out; stays invisible even when callers ask for more.
	index.Upsert("DRIVER_22222222", 29.5, 77.21, taxi(), 4.5)

	pickup := models.Location{Latitude: 28.6139, Longitude: 77.2090}
	got := d.Candidates(pickup, models.ClassTaxi, 1, 5, 500)
	require.Len(t, got, 1)
	assert.Equal(t, "DRIVER_11111111", got[0].DriverID)

	// Zero falls back to the default radius.
	assert.Len(t, d.Candidates(pickup, models.ClassTaxi, 1, 5, 0), 1)
}
