package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a domain event on the wire.
type EventType string

// Domain event vocabulary. Outbound socket message types reuse these names.
const (
	EventRideRequestCreated EventType = "ride:requestCreated"
	EventRideBidUpdate      EventType = "ride:bidUpdate"
	EventRideBidAccepted    EventType = "ride:bidAccepted"
	EventRideBidRejected    EventType = "ride:bidRejected"
	EventRideCancelled      EventType = "ride:cancelled"
	EventRideCompleted      EventType = "ride:completed"
	EventRequestNew         EventType = "rideRequest:new"
	EventRequestRemoved     EventType = "rideRequest:removed"
	EventDriverLocation     EventType = "driver:locationUpdate"
	EventDriverStatus       EventType = "driver:statusUpdated"
	EventHeartbeat          EventType = "heartbeat"
)

// Event is the envelope delivered to rooms and mirrored to the
// cross-server hook.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent creates an event with a unique id and current timestamp.
func NewEvent(eventType EventType, data interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Room is a named delivery channel on the bus.
type Room string

// GlobalRoom receives newly available requests for driver list views.
const GlobalRoom Room = "requests:available"

// RiderRoom is the per-rider delivery channel.
func RiderRoom(userID string) Room {
	return Room("rider:" + userID)
}

// DriverRoom is the per-driver delivery channel.
func DriverRoom(driverID string) Room {
	return Room("driver:" + driverID)
}

// RequestRoom is the per-request delivery channel.
func RequestRoom(requestID string) Room {
	return Room("request:" + requestID)
}
