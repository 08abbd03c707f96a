package identity

import (
	"context"
	"errors"

	"github.com/openride/dispatch/internal/models"
)

var (
	// ErrRiderNotFound is returned when no rider matches the identity.
	ErrRiderNotFound = errors.New("rider not found")

	// ErrDriverNotFound is returned when no driver matches the identity.
	ErrDriverNotFound = errors.New("driver not found")

	// ErrPhoneExists is returned on phone uniqueness conflicts during create.
	ErrPhoneExists = errors.New("phone already registered")

	// ErrEmailExists is returned on email uniqueness conflicts during create.
	ErrEmailExists = errors.New("email already registered")
)

// Assignments reports a driver's live ride, if any. The ride store
// satisfies it; the registry consults it before promoting a driver to
// AVAILABLE so a reconnect mid-ride lands back on BUSY.
type Assignments interface {
	ActiveForDriver(ctx context.Context, driverID string) (*models.RideRequest, error)
}

// Profiles is the persistent rider/driver record store. Riders and
// drivers outlive sessions; the online flag is a view of live sessions
// maintained by the Registry.
type Profiles interface {
	CreateRider(ctx context.Context, rider *models.Rider) error
	GetRider(ctx context.Context, id string) (*models.Rider, error)
	UpdateRider(ctx context.Context, rider *models.Rider) error

	CreateDriver(ctx context.Context, driver *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	UpdateDriver(ctx context.Context, driver *models.Driver) error
}
