package models

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

// Identity formats. Riders and drivers carry stable prefixed identities;
// ride requests use 24-hex object ids.
var (
	RiderIDPattern   = regexp.MustCompile(`^USER_[0-9A-F]{8}$`)
	DriverIDPattern  = regexp.MustCompile(`^DRIVER_[0-9A-F]{8}$`)
	RequestIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)
	BidIDPattern     = regexp.MustCompile(`^BID_[0-9A-F]{8}$`)
)

// NewRiderID generates a fresh rider identity.
func NewRiderID() string {
	return "USER_" + randomHex(4, true)
}

// NewDriverID generates a fresh driver identity.
func NewDriverID() string {
	return "DRIVER_" + randomHex(4, true)
}

// NewRequestID generates a fresh 24-hex ride request id.
func NewRequestID() string {
	return randomHex(12, false)
}

// NewBidID generates a fresh bid id.
func NewBidID() string {
	return "BID_" + randomHex(4, true)
}

// NewVehicleID generates a fresh vehicle id.
func NewVehicleID() string {
	return "VEH_" + randomHex(4, true)
}

func randomHex(n int, upper bool) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("models: crypto/rand unavailable: " + err.Error())
	}
	s := hex.EncodeToString(buf)
	if upper {
		return strings.ToUpper(s)
	}
	return s
}

// RideStatus is the ride request lifecycle state.
type RideStatus string

const (
	RidePending    RideStatus = "PENDING"
	RideBidding    RideStatus = "BIDDING"
	RideAccepted   RideStatus = "ACCEPTED"
	RideInProgress RideStatus = "IN_PROGRESS"
	RideCompleted  RideStatus = "COMPLETED"
	RideCancelled  RideStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// Biddable reports whether the request currently accepts bids.
func (s RideStatus) Biddable() bool {
	return s == RideBidding
}

// rideTransitions is the allowed transition graph.
var rideTransitions = map[RideStatus][]RideStatus{
	RidePending:    {RideBidding, RideCancelled},
	RideBidding:    {RideAccepted, RideCancelled},
	RideAccepted:   {RideInProgress, RideCompleted, RideCancelled},
	RideInProgress: {RideCompleted, RideCancelled},
}

// CanTransition reports whether from -> to is an allowed ride transition.
func (s RideStatus) CanTransition(to RideStatus) bool {
	for _, next := range rideTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// BidStatus is the bid lifecycle state.
type BidStatus string

const (
	BidPending  BidStatus = "PENDING"
	BidAccepted BidStatus = "ACCEPTED"
	BidRejected BidStatus = "REJECTED"
	BidExpired  BidStatus = "EXPIRED"
)

// DriverStatus is the driver availability state.
type DriverStatus string

const (
	DriverAvailable DriverStatus = "AVAILABLE"
	DriverBusy      DriverStatus = "BUSY"
	DriverOffline   DriverStatus = "OFFLINE"
)

// ValidDriverStatus reports whether s is a recognised driver status.
func ValidDriverStatus(s DriverStatus) bool {
	return s == DriverAvailable || s == DriverBusy || s == DriverOffline
}

// VehicleClass enumerates the dispatchable vehicle classes.
type VehicleClass string

const (
	ClassTaxi    VehicleClass = "Taxi"
	ClassACTaxi  VehicleClass = "AC_Taxi"
	ClassBike    VehicleClass = "Bike"
	ClassEBike   VehicleClass = "EBike"
	ClassERiksha VehicleClass = "ERiksha"
	ClassAuto    VehicleClass = "Auto"
)

// ValidVehicleClass reports whether c is a recognised vehicle class.
func ValidVehicleClass(c VehicleClass) bool {
	switch c {
	case ClassTaxi, ClassACTaxi, ClassBike, ClassEBike, ClassERiksha, ClassAuto:
		return true
	}
	return false
}

// Location is a geographic point with an optional display address.
type Location struct {
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
}

// RiderPreferences capture dispatch-relevant rider defaults.
type RiderPreferences struct {
	MaxWaitSeconds    int          `json:"maxWaitSeconds,omitempty"`
	FareBand          int          `json:"fareBand,omitempty"`
	PreferredClass    VehicleClass `json:"preferredClass,omitempty"`
	ComfortPreference int          `json:"comfortPreference,omitempty"`
	FarePreference    int          `json:"farePreference,omitempty"`
}

// Rider is a persistent rider profile.
type Rider struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Phone         string           `json:"phone"`
	Email         string           `json:"email,omitempty"`
	DefaultPickup *Location        `json:"defaultPickup,omitempty"`
	Preferences   RiderPreferences `json:"preferences"`
	Rating        float64          `json:"rating"`
	TotalRides    int              `json:"totalRides"`
	Online        bool             `json:"online"`
	LastSeenAt    time.Time        `json:"lastSeenAt"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// Driver is a persistent driver profile.
type Driver struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Phone      string       `json:"phone"`
	Email      string       `json:"email,omitempty"`
	Location   *Location    `json:"location,omitempty"`
	Status     DriverStatus `json:"status"`
	Online     bool         `json:"online"`
	Rating     float64      `json:"rating"`
	TotalRides int          `json:"totalRides"`
	Vehicles   []Vehicle    `json:"vehicles,omitempty"`
	LastSeenAt time.Time    `json:"lastSeenAt"`
	LocatedAt  time.Time    `json:"locatedAt"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// ActiveVehicleOfClass returns the driver's first active vehicle of the
// requested class, or nil.
func (d *Driver) ActiveVehicleOfClass(class VehicleClass) *Vehicle {
	for i := range d.Vehicles {
		v := &d.Vehicles[i]
		if v.Active && v.Class == class {
			return v
		}
	}
	return nil
}

// Vehicle is a driver-owned vehicle.
type Vehicle struct {
	ID           string       `json:"id"`
	DriverID     string       `json:"driverId"`
	Class        VehicleClass `json:"class"`
	ComfortLevel int          `json:"comfortLevel"` // 1-5
	PriceValue   int          `json:"priceValue"`   // 1-5
	Active       bool         `json:"active"`
	Make         string       `json:"make,omitempty"`
	Model        string       `json:"model,omitempty"`
	Year         int          `json:"year,omitempty"`
	Plate        string       `json:"plate,omitempty"`
	Color        string       `json:"color,omitempty"`
}

// Bid is a driver's offer for one ride request, embedded in the request.
type Bid struct {
	ID               string     `json:"id"`
	DriverID         string     `json:"driverId"`
	FareAmount       float64    `json:"fareAmount"`
	EstimatedArrival int        `json:"estimatedArrival"` // minutes
	VehicleID        string     `json:"vehicleId,omitempty"`
	Message          string     `json:"message,omitempty"`
	Status           BidStatus  `json:"status"`
	BidTime          time.Time  `json:"bidTime"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	AcceptedAt       *time.Time `json:"acceptedAt,omitempty"`
	RejectedAt       *time.Time `json:"rejectedAt,omitempty"`
}

// RideRequest is the durable auction record. Bids are an ordered embedded
// list so one store write covers the whole per-request transaction.
type RideRequest struct {
	ID                 string       `json:"_id"`
	UserID             string       `json:"userId"`
	Pickup             Location     `json:"pickupLocation"`
	Destination        Location     `json:"destination"`
	RideType           VehicleClass `json:"rideType"`
	ComfortPreference  int          `json:"comfortPreference"`
	FarePreference     int          `json:"farePreference"`
	EstimatedDistance  float64      `json:"estimatedDistance"` // km
	EstimatedDuration  int          `json:"estimatedDuration"` // minutes
	Status             RideStatus   `json:"status"`
	Bids               []Bid        `json:"bids"`
	AcceptedBid        *Bid         `json:"acceptedBid,omitempty"`
	CancellationReason string       `json:"cancellationReason,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
	CancelledAt        *time.Time   `json:"cancelledAt,omitempty"`

	// Version is the optimistic concurrency token for store CAS writes.
	Version int64 `json:"-"`
}

// BidByDriver returns the driver's bid on this request, or nil.
func (r *RideRequest) BidByDriver(driverID string) *Bid {
	for i := range r.Bids {
		if r.Bids[i].DriverID == driverID {
			return &r.Bids[i]
		}
	}
	return nil
}

// BidByID returns the bid with the given id, or nil.
func (r *RideRequest) BidByID(bidID string) *Bid {
	for i := range r.Bids {
		if r.Bids[i].ID == bidID {
			return &r.Bids[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can hand requests across goroutines
// without aliasing the embedded bid list.
func (r *RideRequest) Clone() *RideRequest {
	cp := *r
	cp.Bids = make([]Bid, len(r.Bids))
	copy(cp.Bids, r.Bids)
	if r.AcceptedBid != nil {
		accepted := *r.AcceptedBid
		cp.AcceptedBid = &accepted
	}
	return &cp
}
