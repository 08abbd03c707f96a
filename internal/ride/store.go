// Package ride owns the durable ride request records. All writes go
// through the auction engine; the store only guards row-level atomicity
// via optimistic versioning.
package ride

import (
	"context"
	"errors"
	"time"

	"github.com/openride/dispatch/internal/models"
)

var (
	// ErrNotFound is returned when no request matches the id.
	ErrNotFound = errors.New("ride request not found")

	// ErrVersionConflict is returned when a CAS write lost the race.
	// The engine retries these with backoff.
	ErrVersionConflict = errors.New("ride request version conflict")
)

// Store is the durable record of ride requests with embedded bids.
type Store interface {
	// Create persists a new request. The request's Version is set to 1.
	Create(ctx context.Context, req *models.RideRequest) error

	// Get returns a copy of the request by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*models.RideRequest, error)

	// Update persists req if the stored version still equals req.Version,
	// then bumps req.Version. Returns ErrVersionConflict on a lost race.
	Update(ctx context.Context, req *models.RideRequest) error

	// ListBidding returns all requests currently accepting bids.
	ListBidding(ctx context.Context) ([]*models.RideRequest, error)

	// ListBiddingBefore returns BIDDING requests whose auction opened
	// before the cutoff; the expiry sweep feeds on this.
	ListBiddingBefore(ctx context.Context, cutoff time.Time) ([]*models.RideRequest, error)

	// ListByUser returns a page of the rider's requests, newest first,
	// with the total count.
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.RideRequest, int64, error)

	// ActiveForDriver returns the non-terminal request whose accepted bid
	// belongs to the driver, or nil.
	ActiveForDriver(ctx context.Context, driverID string) (*models.RideRequest, error)

	// DeleteTerminalBefore removes COMPLETED/CANCELLED requests whose last
	// update is older than the cutoff. Returns the number removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
