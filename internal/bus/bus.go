// Package bus is the single-process pub/sub of domain events to
// interested connections. Delivery is best-effort and fire-and-forget;
// an observer that misses an event reconciles via user:requestBidUpdate.
package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/openride/dispatch/pkg/logger"
	"github.com/openride/dispatch/pkg/metrics"
)

// Subscriber receives events for the rooms it joined. Deliver must not
// block; it returns false when the subscriber's queue is full.
type Subscriber interface {
	ID() string
	Deliver(event *Event) bool
}

// Outbound is the cross-server fan-out hook. The in-process bus stays
// authoritative for its own node; hook failures are logged, never
// propagated to the publishing operation.
type Outbound interface {
	Publish(ctx context.Context, event *Event) error
}

// Bus routes events to room members.
type Bus struct {
	mu       sync.RWMutex
	rooms    map[Room]map[string]Subscriber
	members  map[string]map[Room]struct{} // subscriber id -> joined rooms
	outbound Outbound
}

// New creates an empty bus. The outbound hook may be nil.
func New(outbound Outbound) *Bus {
	return &Bus{
		rooms:    make(map[Room]map[string]Subscriber),
		members:  make(map[string]map[Room]struct{}),
		outbound: outbound,
	}
}

// Subscribe adds the subscriber to a room.
func (b *Bus) Subscribe(room Room, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.rooms[room]
	if !ok {
		bucket = make(map[string]Subscriber)
		b.rooms[room] = bucket
	}
	bucket[sub.ID()] = sub

	joined, ok := b.members[sub.ID()]
	if !ok {
		joined = make(map[Room]struct{})
		b.members[sub.ID()] = joined
	}
	joined[room] = struct{}{}
}

// Unsubscribe removes the subscriber from one room.
func (b *Bus) Unsubscribe(room Room, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leave(room, subscriberID)
}

// Drop removes the subscriber from every room it joined.
func (b *Bus) Drop(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for room := range b.members[subscriberID] {
		b.leave(room, subscriberID)
	}
}

func (b *Bus) leave(room Room, subscriberID string) {
	if bucket, ok := b.rooms[room]; ok {
		delete(bucket, subscriberID)
		if len(bucket) == 0 {
			delete(b.rooms, room)
		}
	}
	if joined, ok := b.members[subscriberID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(b.members, subscriberID)
		}
	}
}

// Publish delivers the event to every member of the given rooms, deduped
// so a subscriber in several target rooms sees the event once. The
// outbound hook is invoked once per event.
func (b *Bus) Publish(ctx context.Context, event *Event, rooms ...Room) {
	b.mu.RLock()
	seen := make(map[string]struct{})
	var targets []Subscriber
	for _, room := range rooms {
		for id, sub := range b.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.Deliver(event) {
			logger.Warn("event dropped for slow subscriber",
				zap.String("subscriber_id", sub.ID()),
				zap.String("event_type", string(event.Type)),
			)
			continue
		}
		metrics.EventsDelivered.WithLabelValues(string(event.Type)).Inc()
	}

	if b.outbound != nil {
		if err := b.outbound.Publish(ctx, event); err != nil {
			logger.Warn("outbound fan-out failed",
				zap.String("event_type", string(event.Type)),
				zap.Error(err),
			)
		}
	}
}

// RoomSize returns the number of members in a room.
func (b *Bus) RoomSize(room Room) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}
