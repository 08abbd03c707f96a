package gateway

import (
	"encoding/json"
	"time"

	"github.com/openride/dispatch/internal/models"
	"github.com/openride/dispatch/pkg/common"
)

// Inbound message types. Each maps to exactly one engine or registry
// operation; anything else earns an error envelope.
const (
	MsgUserRegister     = "user:register"
	MsgDriverRegister   = "driver:register"
	MsgDriverStatus     = "driver:updateStatus"
	MsgDriverLocation   = "driver:updateLocation"
	MsgNewRequest       = "ride:newRequest"
	MsgBidPlaced        = "ride:bidPlaced"
	MsgBidAccepted      = "ride:bidAccepted"
	MsgRideCancel       = "ride:cancel"
	MsgHeartbeatAck     = "heartbeat_response"
	MsgRequestBidUpdate = "user:requestBidUpdate"
)

// Outbound message types not shared with the event bus vocabulary.
const (
	MsgUserRegistered   = "user:registered"
	MsgDriverRegistered = "driver:registered"
	MsgLocationUpdated  = "driver:locationUpdated"
	MsgError            = "error"
	MsgHeartbeat        = "heartbeat"
)

// Message is the wire envelope in both directions. Inbound data stays
// raw until the type-specific payload is decoded.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Outbound is the serialised reply/fan-out envelope.
type Outbound struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func newOutbound(msgType string, data interface{}) *Outbound {
	return &Outbound{Type: msgType, Data: data, Timestamp: time.Now().UTC()}
}

// errorEnvelope is the data payload of an error message.
type errorEnvelope struct {
	Message string      `json:"message"`
	Code    common.Code `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

func newErrorMessage(err error) *Outbound {
	appErr := common.AsAppError(err)
	return newOutbound(MsgError, errorEnvelope{
		Message: appErr.Message,
		Code:    appErr.Code,
		Details: appErr.Details,
	})
}

// Typed inbound payloads, validated at the edge.

type registerPayload struct {
	UserID   string          `json:"userId,omitempty"`
	DriverID string          `json:"driverId,omitempty"`
	Profile  json.RawMessage `json:"profile,omitempty"`
}

type statusPayload struct {
	Status models.DriverStatus `json:"status"`
}

type locationPayload struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
	Address   string  `json:"address,omitempty"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Heading   float64 `json:"heading,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
}

type newRequestPayload struct {
	RideType          string          `json:"rideType"`
	Pickup            models.Location `json:"pickupLocation"`
	Destination       models.Location `json:"destination"`
	ComfortPreference int             `json:"comfortPreference,omitempty"`
	FarePreference    int             `json:"farePreference,omitempty"`
}

type bidPlacedPayload struct {
	RequestID        string  `json:"requestId"`
	FareAmount       float64 `json:"fareAmount"`
	EstimatedArrival int     `json:"estimatedArrival"`
	Message          string  `json:"message,omitempty"`
	VehicleID        string  `json:"vehicleId,omitempty"`
}

type bidAcceptedPayload struct {
	RequestID string `json:"requestId"`
	BidID     string `json:"bidId"`
	UserID    string `json:"userId"`
}

type cancelPayload struct {
	RideID string `json:"rideId"`
	Reason string `json:"reason,omitempty"`
}

type bidUpdateRequestPayload struct {
	RequestID string `json:"requestId"`
}

func decodePayload(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return common.NewValidationError("message data is required", nil)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return common.NewValidationError("malformed message data", map[string]string{"error": err.Error()})
	}
	return nil
}
