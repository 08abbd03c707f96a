package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSub struct {
	id   string
	full bool

	mu     sync.Mutex
	events []*Event
}

func (s *stubSub) ID() string { return s.id }

func (s *stubSub) Deliver(event *Event) bool {
	if s.full {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return true
}

func (s *stubSub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type stubOutbound struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (o *stubOutbound) Publish(_ context.Context, event *Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return o.err
}

func TestPublishToRoomMembers(t *testing.T) {
	b := New(nil)
	rider := &stubSub{id: "rider"}
	driver := &stubSub{id: "driver"}
	b.Subscribe(RiderRoom("USER_0000000A"), rider)
	b.Subscribe(DriverRoom("DRIVER_11111111"), driver)

	b.Publish(context.Background(), NewEvent(EventRideBidUpdate, nil), RiderRoom("USER_0000000A"))

	assert.Equal(t, 1, rider.count())
	assert.Equal(t, 0, driver.count())
}

func TestPublishDedupesAcrossRooms(t *testing.T) {
	b := New(nil)
	sub := &stubSub{id: "both-rooms"}
	b.Subscribe(RiderRoom("USER_0000000A"), sub)
	b.Subscribe(RequestRoom("ffffffffffffffffffffffff"), sub)

	b.Publish(context.Background(), NewEvent(EventRideBidUpdate, nil),
		RiderRoom("USER_0000000A"), RequestRoom("ffffffffffffffffffffffff"))

	assert.Equal(t, 1, sub.count(), "a subscriber in several target rooms sees the event once")
}

func TestDropLeavesEveryRoom(t *testing.T) {
	b := New(nil)
	sub := &stubSub{id: "conn-1"}
	b.Subscribe(GlobalRoom, sub)
	b.Subscribe(DriverRoom("DRIVER_11111111"), sub)
	require.Equal(t, 1, b.RoomSize(GlobalRoom))

	b.Drop("conn-1")

	assert.Equal(t, 0, b.RoomSize(GlobalRoom))
	assert.Equal(t, 0, b.RoomSize(DriverRoom("DRIVER_11111111")))

	b.Publish(context.Background(), NewEvent(EventRequestNew, nil), GlobalRoom)
	assert.Equal(t, 0, sub.count())
}

func TestUnsubscribeSingleRoom(t *testing.T) {
	b := New(nil)
	sub := &stubSub{id: "conn-1"}
	b.Subscribe(GlobalRoom, sub)
	b.Subscribe(DriverRoom("DRIVER_11111111"), sub)

	b.Unsubscribe(GlobalRoom, "conn-1")

	b.Publish(context.Background(), NewEvent(EventRequestNew, nil), GlobalRoom)
	b.Publish(context.Background(), NewEvent(EventRideBidAccepted, nil), DriverRoom("DRIVER_11111111"))
	assert.Equal(t, 1, sub.count())
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(nil)
	slow := &stubSub{id: "slow", full: true}
	healthy := &stubSub{id: "healthy"}
	b.Subscribe(GlobalRoom, slow)
	b.Subscribe(GlobalRoom, healthy)

	b.Publish(context.Background(), NewEvent(EventRequestNew, nil), GlobalRoom)

	assert.Equal(t, 0, slow.count())
	assert.Equal(t, 1, healthy.count())
}

func TestOutboundHookInvokedOncePerEvent(t *testing.T) {
	out := &stubOutbound{}
	b := New(out)
	b.Subscribe(GlobalRoom, &stubSub{id: "a"})
	b.Subscribe(RiderRoom("USER_0000000A"), &stubSub{id: "b"})

	b.Publish(context.Background(), NewEvent(EventRideCancelled, nil),
		GlobalRoom, RiderRoom("USER_0000000A"))

	assert.Len(t, out.events, 1)
}

func TestOutboundFailureNeverPropagates(t *testing.T) {
	out := &stubOutbound{err: errors.New("broker down")}
	b := New(out)
	sub := &stubSub{id: "a"}
	b.Subscribe(GlobalRoom, sub)

	// Must not panic or drop local delivery.
	b.Publish(context.Background(), NewEvent(EventRequestNew, nil), GlobalRoom)
	assert.Equal(t, 1, sub.count())
}

func TestNewEventShape(t *testing.T) {
	e := NewEvent(EventRideBidUpdate, map[string]int{"n": 1})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, EventRideBidUpdate, e.Type)
	assert.False(t, e.Timestamp.IsZero())
}
