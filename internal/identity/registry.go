// Package identity binds wire connections to rider/driver identities and
// owns driver availability state.
package identity

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openride/dispatch/internal/bus"
	"github.com/openride/dispatch/internal/geoindex"
	"github.com/openride/dispatch/internal/models"
	"github.com/openride/dispatch/pkg/common"
	"github.com/openride/dispatch/pkg/logger"
)

// Role distinguishes rider and driver sessions.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// Session is the transient binding between a connection and an identity.
type Session struct {
	ConnID        string
	Identity      string
	Role          Role
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// RiderProfile is the payload accepted when creating a rider on register.
type RiderProfile struct {
	Name          string                  `json:"name" validate:"required"`
	Phone         string                  `json:"phone" validate:"required,phone"`
	Email         string                  `json:"email,omitempty" validate:"omitempty,email"`
	DefaultPickup *models.Location        `json:"defaultPickup,omitempty"`
	Preferences   models.RiderPreferences `json:"preferences,omitempty"`
}

// DriverProfile is the payload accepted when creating a driver on register.
type DriverProfile struct {
	Name     string           `json:"name" validate:"required"`
	Phone    string           `json:"phone" validate:"required,phone"`
	Email    string           `json:"email,omitempty" validate:"omitempty,email"`
	Location *models.Location `json:"location,omitempty"`
	Vehicles []models.Vehicle `json:"vehicles,omitempty" validate:"dive"`
}

const lockStripes = 32

// Registry tracks live sessions and keeps driver state, the geo index and
// the presence mirror consistent. Identity-level mutations are serialised
// by striped locks; the per-driver stripe is the driver lock in the
// request -> driver lock order.
type Registry struct {
	profiles Profiles
	rides    Assignments
	index    *geoindex.Index
	mirror   *geoindex.Mirror
	events   *bus.Bus

	stripes [lockStripes]sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
	conns    map[string]map[string]struct{} // identity -> live conn ids
}

// NewRegistry creates a registry. rides and mirror may be nil.
func NewRegistry(profiles Profiles, rides Assignments, index *geoindex.Index, mirror *geoindex.Mirror, events *bus.Bus) *Registry {
	return &Registry{
		profiles: profiles,
		rides:    rides,
		index:    index,
		mirror:   mirror,
		events:   events,
		sessions: make(map[string]*Session),
		conns:    make(map[string]map[string]struct{}),
	}
}

func (r *Registry) stripe(identity string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return &r.stripes[h.Sum32()%lockStripes]
}

// RegisterRider binds a connection to a rider identity. With an empty
// identity and a profile, a new rider is created first.
func (r *Registry) RegisterRider(ctx context.Context, connID, identity string, profile *RiderProfile) (*models.Rider, error) {
	if identity == "" && profile == nil {
		return nil, common.NewValidationError("identity or profile required", nil)
	}
	if identity == "" {
		identity = models.NewRiderID()
	}
	if !models.RiderIDPattern.MatchString(identity) {
		return nil, common.NewBadRequest(common.CodeInvalidUserID, "malformed rider identity")
	}

	lock := r.stripe(identity)
	lock.Lock()
	defer lock.Unlock()

	rider, err := r.profiles.GetRider(ctx, identity)
	switch {
	case err == nil:
		// Existing identity: refresh presence.
	case errors.Is(err, ErrRiderNotFound) && profile != nil:
		rider = &models.Rider{
			ID:            identity,
			Name:          profile.Name,
			Phone:         profile.Phone,
			Email:         profile.Email,
			DefaultPickup: profile.DefaultPickup,
			Preferences:   profile.Preferences,
			Rating:        5.0,
			LastSeenAt:    time.Now().UTC(),
			CreatedAt:     time.Now().UTC(),
		}
		if err := r.profiles.CreateRider(ctx, rider); err != nil {
			return nil, mapProfileError(err)
		}
	case errors.Is(err, ErrRiderNotFound):
		return nil, common.NewNotFound(common.CodeUserNotFound, "unknown rider identity")
	default:
		return nil, common.NewInternalError("rider lookup failed", err)
	}

	rider.Online = true
	rider.LastSeenAt = time.Now().UTC()
	if err := r.profiles.UpdateRider(ctx, rider); err != nil {
		return nil, common.NewInternalError("rider presence update failed", err)
	}

	r.bindSession(connID, identity, RoleRider)
	return rider, nil
}

// RegisterDriver binds a connection to a driver identity, creating the
// driver first when a profile is supplied. A driver coming online from
// OFFLINE becomes AVAILABLE unless a live ride assignment restores BUSY;
// a BUSY driver stays BUSY.
func (r *Registry) RegisterDriver(ctx context.Context, connID, identity string, profile *DriverProfile) (*models.Driver, error) {
	if identity == "" && profile == nil {
		return nil, common.NewValidationError("identity or profile required", nil)
	}
	if identity == "" {
		identity = models.NewDriverID()
	}
	if !models.DriverIDPattern.MatchString(identity) {
		return nil, common.NewBadRequest(common.CodeInvalidDriverID, "malformed driver identity")
	}

	lock := r.stripe(identity)
	lock.Lock()
	defer lock.Unlock()

	driver, err := r.profiles.GetDriver(ctx, identity)
	switch {
	case err == nil:
	case errors.Is(err, ErrDriverNotFound) && profile != nil:
		driver = &models.Driver{
			ID:         identity,
			Name:       profile.Name,
			Phone:      profile.Phone,
			Email:      profile.Email,
			Location:   profile.Location,
			Status:     models.DriverOffline,
			Rating:     5.0,
			Vehicles:   profile.Vehicles,
			LastSeenAt: time.Now().UTC(),
			LocatedAt:  time.Now().UTC(),
			CreatedAt:  time.Now().UTC(),
		}
		for i := range driver.Vehicles {
			if driver.Vehicles[i].ID == "" {
				driver.Vehicles[i].ID = models.NewVehicleID()
			}
			driver.Vehicles[i].DriverID = identity
		}
		if err := r.profiles.CreateDriver(ctx, driver); err != nil {
			return nil, mapProfileError(err)
		}
	case errors.Is(err, ErrDriverNotFound):
		return nil, common.NewNotFound(common.CodeDriverNotFound, "unknown driver identity")
	default:
		return nil, common.NewInternalError("driver lookup failed", err)
	}

	driver.Online = true
	driver.LastSeenAt = time.Now().UTC()
	if driver.Status == models.DriverOffline {
		// A disconnect mid-ride forced the driver OFFLINE; the ride is
		// still theirs, so the reconnect lands on BUSY, not AVAILABLE.
		if r.activeRide(ctx, identity) != nil {
			driver.Status = models.DriverBusy
		} else {
			driver.Status = models.DriverAvailable
		}
	}
	if err := r.profiles.UpdateDriver(ctx, driver); err != nil {
		return nil, common.NewInternalError("driver presence update failed", err)
	}

	r.bindSession(connID, identity, RoleDriver)
	r.syncDriverIndex(ctx, driver)
	r.emitDriverStatus(ctx, driver)
	return driver, nil
}

// Unregister clears a connection binding. When the last session of a
// driver disconnects the driver goes OFFLINE and leaves the geo index.
// Returns the evicted session, if any.
func (r *Registry) Unregister(ctx context.Context, connID string) (*Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[connID]
	if !ok {
		r.mu.Unlock()
		return nil, nil
	}
	delete(r.sessions, connID)
	remaining := r.conns[sess.Identity]
	delete(remaining, connID)
	last := len(remaining) == 0
	if last {
		delete(r.conns, sess.Identity)
	}
	r.mu.Unlock()

	if !last {
		return sess, nil
	}

	lock := r.stripe(sess.Identity)
	lock.Lock()
	defer lock.Unlock()

	switch sess.Role {
	case RoleRider:
		rider, err := r.profiles.GetRider(ctx, sess.Identity)
		if err != nil {
			return sess, nil
		}
		rider.Online = false
		rider.LastSeenAt = time.Now().UTC()
		if err := r.profiles.UpdateRider(ctx, rider); err != nil {
			logger.Warn("rider offline update failed", zap.String("user_id", sess.Identity), zap.Error(err))
		}
	case RoleDriver:
		driver, err := r.profiles.GetDriver(ctx, sess.Identity)
		if err != nil {
			return sess, nil
		}
		driver.Online = false
		driver.Status = models.DriverOffline
		driver.LastSeenAt = time.Now().UTC()
		if err := r.profiles.UpdateDriver(ctx, driver); err != nil {
			logger.Warn("driver offline update failed", zap.String("driver_id", sess.Identity), zap.Error(err))
		}
		r.index.Remove(driver.ID)
		r.mirror.Evict(ctx, driver.ID)
		r.emitDriverStatus(ctx, driver)
	}
	return sess, nil
}

func (r *Registry) bindSession(connID, identity string, role Role) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[connID] = &Session{
		ConnID:        connID,
		Identity:      identity,
		Role:          role,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	bucket, ok := r.conns[identity]
	if !ok {
		bucket = make(map[string]struct{})
		r.conns[identity] = bucket
	}
	bucket[connID] = struct{}{}
}

// Lookup returns the live connection ids bound to an identity.
func (r *Registry) Lookup(identity string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.conns[identity]))
	for connID := range r.conns[identity] {
		out = append(out, connID)
	}
	return out
}

// SessionOf returns the session bound to a connection.
func (r *Registry) SessionOf(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[connID]
	if !ok {
		return nil, false
	}
	cp := *sess
	return &cp, true
}

// Touch records a heartbeat for the connection.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[connID]; ok {
		sess.LastHeartbeat = time.Now().UTC()
	}
}

// IdleSessions returns connections whose last heartbeat predates the cutoff.
func (r *Registry) IdleSessions(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []string
	for connID, sess := range r.sessions {
		if sess.LastHeartbeat.Before(cutoff) {
			idle = append(idle, connID)
		}
	}
	return idle
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CreateRider creates a rider profile without binding a session; the
// REST registration endpoint uses it.
func (r *Registry) CreateRider(ctx context.Context, profile *RiderProfile) (*models.Rider, error) {
	rider := &models.Rider{
		ID:            models.NewRiderID(),
		Name:          profile.Name,
		Phone:         profile.Phone,
		Email:         profile.Email,
		DefaultPickup: profile.DefaultPickup,
		Preferences:   profile.Preferences,
		Rating:        5.0,
		LastSeenAt:    time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.profiles.CreateRider(ctx, rider); err != nil {
		return nil, mapProfileError(err)
	}
	return rider, nil
}

// CreateDriver creates a driver profile without binding a session.
func (r *Registry) CreateDriver(ctx context.Context, profile *DriverProfile) (*models.Driver, error) {
	driver := &models.Driver{
		ID:         models.NewDriverID(),
		Name:       profile.Name,
		Phone:      profile.Phone,
		Email:      profile.Email,
		Location:   profile.Location,
		Status:     models.DriverOffline,
		Rating:     5.0,
		Vehicles:   profile.Vehicles,
		LastSeenAt: time.Now().UTC(),
		LocatedAt:  time.Now().UTC(),
		CreatedAt:  time.Now().UTC(),
	}
	for i := range driver.Vehicles {
		if driver.Vehicles[i].ID == "" {
			driver.Vehicles[i].ID = models.NewVehicleID()
		}
		driver.Vehicles[i].DriverID = driver.ID
	}
	if err := r.profiles.CreateDriver(ctx, driver); err != nil {
		return nil, mapProfileError(err)
	}
	return driver, nil
}

// GetRider looks up a rider profile.
func (r *Registry) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	if !models.RiderIDPattern.MatchString(id) {
		return nil, common.NewBadRequest(common.CodeInvalidUserID, "malformed rider identity")
	}
	rider, err := r.profiles.GetRider(ctx, id)
	if err != nil {
		return nil, mapProfileError(err)
	}
	return rider, nil
}

// GetDriver looks up a driver profile.
func (r *Registry) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	if !models.DriverIDPattern.MatchString(id) {
		return nil, common.NewBadRequest(common.CodeInvalidDriverID, "malformed driver identity")
	}
	driver, err := r.profiles.GetDriver(ctx, id)
	if err != nil {
		return nil, mapProfileError(err)
	}
	return driver, nil
}

// SetDriverStatus applies a driver-initiated status change.
func (r *Registry) SetDriverStatus(ctx context.Context, driverID string, status models.DriverStatus) (*models.Driver, error) {
	if !models.ValidDriverStatus(status) {
		return nil, common.NewBadRequest(common.CodeInvalidStatus, "unknown driver status")
	}

	lock := r.stripe(driverID)
	lock.Lock()
	defer lock.Unlock()

	driver, err := r.profiles.GetDriver(ctx, driverID)
	if err != nil {
		return nil, mapProfileError(err)
	}
	if status == models.DriverAvailable && r.activeRide(ctx, driverID) != nil {
		return nil, common.NewConflict(common.CodeDriverBusy, "driver has an active ride")
	}

	driver.Status = status
	driver.LastSeenAt = time.Now().UTC()
	if status == models.DriverOffline {
		driver.Online = false
	}
	if err := r.profiles.UpdateDriver(ctx, driver); err != nil {
		return nil, common.NewInternalError("driver status update failed", err)
	}

	r.syncDriverIndex(ctx, driver)
	r.emitDriverStatus(ctx, driver)
	return driver, nil
}

// UpdateDriverLocation records a location ping and refreshes the index
// and mirror.
func (r *Registry) UpdateDriverLocation(ctx context.Context, driverID string, loc models.Location) (*models.Driver, error) {
	lock := r.stripe(driverID)
	lock.Lock()
	defer lock.Unlock()

	driver, err := r.profiles.GetDriver(ctx, driverID)
	if err != nil {
		return nil, mapProfileError(err)
	}

	driver.Location = &loc
	driver.LocatedAt = time.Now().UTC()
	driver.LastSeenAt = driver.LocatedAt
	if err := r.profiles.UpdateDriver(ctx, driver); err != nil {
		return nil, common.NewInternalError("driver location update failed", err)
	}

	r.syncDriverIndex(ctx, driver)
	r.mirror.Publish(ctx, driverID, loc.Latitude, loc.Longitude)
	return driver, nil
}

// MarkDriverBusy flips an AVAILABLE driver to BUSY. Called by the engine
// while it holds the request lock; the driver stripe is acquired here,
// preserving the request -> driver lock order.
func (r *Registry) MarkDriverBusy(ctx context.Context, driverID string) error {
	lock := r.stripe(driverID)
	lock.Lock()
	defer lock.Unlock()

	driver, err := r.profiles.GetDriver(ctx, driverID)
	if err != nil {
		return mapProfileError(err)
	}
	if !driver.Online {
		return common.NewConflict(common.CodeDriverNotAvailable, "driver is not online")
	}
	if driver.Status == models.DriverBusy {
		return common.NewConflict(common.CodeDriverBusy, "driver already has an active ride")
	}
	if driver.Status != models.DriverAvailable {
		return common.NewConflict(common.CodeDriverNotAvailable, "driver is not available")
	}

	driver.Status = models.DriverBusy
	if err := r.profiles.UpdateDriver(ctx, driver); err != nil {
		return common.NewInternalError("driver busy update failed", err)
	}

	r.syncDriverIndex(ctx, driver)
	r.emitDriverStatus(ctx, driver)
	return nil
}

// ReleaseDriver returns a BUSY driver to AVAILABLE after completion or
// cancellation. A driver that went offline mid-ride stays OFFLINE.
func (r *Registry) ReleaseDriver(ctx context.Context, driverID string) error {
	lock := r.stripe(driverID)
	lock.Lock()
	defer lock.Unlock()

	driver, err := r.profiles.GetDriver(ctx, driverID)
	if err != nil {
		return mapProfileError(err)
	}
	if driver.Status != models.DriverBusy {
		return nil
	}

	if driver.Online {
		driver.Status = models.DriverAvailable
	} else {
		driver.Status = models.DriverOffline
	}
	if err := r.profiles.UpdateDriver(ctx, driver); err != nil {
		return common.NewInternalError("driver release failed", err)
	}

	r.syncDriverIndex(ctx, driver)
	r.emitDriverStatus(ctx, driver)
	return nil
}

// IncrementRideTotals bumps lifetime ride counts after completion.
func (r *Registry) IncrementRideTotals(ctx context.Context, userID, driverID string) {
	if rider, err := r.profiles.GetRider(ctx, userID); err == nil {
		rider.TotalRides++
		if err := r.profiles.UpdateRider(ctx, rider); err != nil {
			logger.Warn("rider total update failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	if driver, err := r.profiles.GetDriver(ctx, driverID); err == nil {
		driver.TotalRides++
		if err := r.profiles.UpdateDriver(ctx, driver); err != nil {
			logger.Warn("driver total update failed", zap.String("driver_id", driverID), zap.Error(err))
		}
	}
}

// ForceDriverOffline is the stale-driver reap path.
func (r *Registry) ForceDriverOffline(ctx context.Context, driverID string) {
	lock := r.stripe(driverID)
	lock.Lock()
	defer lock.Unlock()

	driver, err := r.profiles.GetDriver(ctx, driverID)
	if err != nil {
		return
	}
	if driver.Status == models.DriverOffline {
		return
	}

	driver.Status = models.DriverOffline
	driver.Online = false
	if err := r.profiles.UpdateDriver(ctx, driver); err != nil {
		logger.Warn("stale driver offline update failed", zap.String("driver_id", driverID), zap.Error(err))
		return
	}

	r.index.Remove(driverID)
	r.mirror.Evict(ctx, driverID)
	r.emitDriverStatus(ctx, driver)
}

// activeRide returns the driver's non-terminal assigned ride, if any.
func (r *Registry) activeRide(ctx context.Context, driverID string) *models.RideRequest {
	if r.rides == nil {
		return nil
	}
	req, err := r.rides.ActiveForDriver(ctx, driverID)
	if err != nil {
		logger.Warn("active ride lookup failed", zap.String("driver_id", driverID), zap.Error(err))
		return nil
	}
	return req
}

// syncDriverIndex keeps the geo index consistent with driver state:
// indexed iff online, AVAILABLE and located.
func (r *Registry) syncDriverIndex(ctx context.Context, driver *models.Driver) {
	if driver.Online && driver.Status == models.DriverAvailable && driver.Location != nil {
		r.index.Upsert(driver.ID, driver.Location.Latitude, driver.Location.Longitude, driver.Vehicles, driver.Rating)
		return
	}
	r.index.Remove(driver.ID)
	if driver.Status == models.DriverOffline {
		r.mirror.Evict(ctx, driver.ID)
	}
}

func (r *Registry) emitDriverStatus(ctx context.Context, driver *models.Driver) {
	if r.events == nil {
		return
	}
	evt := bus.NewEvent(bus.EventDriverStatus, map[string]interface{}{
		"driverId": driver.ID,
		"status":   driver.Status,
		"online":   driver.Online,
	})
	r.events.Publish(ctx, evt, bus.DriverRoom(driver.ID), bus.GlobalRoom)
}

func mapProfileError(err error) error {
	switch {
	case errors.Is(err, ErrRiderNotFound):
		return common.NewNotFound(common.CodeUserNotFound, "rider not found")
	case errors.Is(err, ErrDriverNotFound):
		return common.NewNotFound(common.CodeDriverNotFound, "driver not found")
	case errors.Is(err, ErrPhoneExists):
		return common.NewConflict(common.CodePhoneExists, "phone already registered")
	case errors.Is(err, ErrEmailExists):
		return common.NewConflict(common.CodeEmailExists, "email already registered")
	default:
		return common.NewInternalError("profile store failure", err)
	}
}
