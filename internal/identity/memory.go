package identity

import (
	"context"
	"sync"

	"github.com/openride/dispatch/internal/models"
)

// MemoryProfiles is a map-backed Profiles store.
type MemoryProfiles struct {
	mu      sync.RWMutex
	riders  map[string]*models.Rider
	drivers map[string]*models.Driver
	phones  map[string]string // phone -> identity
	emails  map[string]string
}

// NewMemoryProfiles creates an empty profile store.
func NewMemoryProfiles() *MemoryProfiles {
	return &MemoryProfiles{
		riders:  make(map[string]*models.Rider),
		drivers: make(map[string]*models.Driver),
		phones:  make(map[string]string),
		emails:  make(map[string]string),
	}
}

func (s *MemoryProfiles) CreateRider(ctx context.Context, rider *models.Rider) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.claimContacts(rider.ID, rider.Phone, rider.Email); err != nil {
		return err
	}
	cp := *rider
	s.riders[rider.ID] = &cp
	return nil
}

func (s *MemoryProfiles) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rider, ok := s.riders[id]
	if !ok {
		return nil, ErrRiderNotFound
	}
	cp := *rider
	return &cp, nil
}

func (s *MemoryProfiles) UpdateRider(ctx context.Context, rider *models.Rider) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.riders[rider.ID]; !ok {
		return ErrRiderNotFound
	}
	cp := *rider
	s.riders[rider.ID] = &cp
	return nil
}

func (s *MemoryProfiles) CreateDriver(ctx context.Context, driver *models.Driver) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.claimContacts(driver.ID, driver.Phone, driver.Email); err != nil {
		return err
	}
	cp := cloneDriver(driver)
	s.drivers[driver.ID] = cp
	return nil
}

func (s *MemoryProfiles) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	driver, ok := s.drivers[id]
	if !ok {
		return nil, ErrDriverNotFound
	}
	return cloneDriver(driver), nil
}

func (s *MemoryProfiles) UpdateDriver(ctx context.Context, driver *models.Driver) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.drivers[driver.ID]; !ok {
		return ErrDriverNotFound
	}
	s.drivers[driver.ID] = cloneDriver(driver)
	return nil
}

func (s *MemoryProfiles) claimContacts(id, phone, email string) error {
	if owner, taken := s.phones[phone]; taken && owner != id {
		return ErrPhoneExists
	}
	if email != "" {
		if owner, taken := s.emails[email]; taken && owner != id {
			return ErrEmailExists
		}
	}
	s.phones[phone] = id
	if email != "" {
		s.emails[email] = id
	}
	return nil
}

func cloneDriver(d *models.Driver) *models.Driver {
	cp := *d
	if d.Location != nil {
		loc := *d.Location
		cp.Location = &loc
	}
	cp.Vehicles = make([]models.Vehicle, len(d.Vehicles))
	copy(cp.Vehicles, d.Vehicles)
	return &cp
}
