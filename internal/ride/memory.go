package ride

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openride/dispatch/internal/models"
)

// MemoryStore is a map-backed Store. It backs the engine tests and lets
// the server run without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.RideRequest
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*models.RideRequest)}
}

func (s *MemoryStore) Create(ctx context.Context, req *models.RideRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req.Version = 1
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, req *models.RideRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.requests[req.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != req.Version {
		return ErrVersionConflict
	}

	req.Version++
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) ListBidding(ctx context.Context) ([]*models.RideRequest, error) {
	return s.listBidding(ctx, time.Time{})
}

func (s *MemoryStore) ListBiddingBefore(ctx context.Context, cutoff time.Time) ([]*models.RideRequest, error) {
	return s.listBidding(ctx, cutoff)
}

func (s *MemoryStore) listBidding(ctx context.Context, cutoff time.Time) ([]*models.RideRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.RideRequest
	for _, req := range s.requests {
		if req.Status != models.RideBidding {
			continue
		}
		if !cutoff.IsZero() && !req.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, req.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.RideRequest, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*models.RideRequest
	for _, req := range s.requests {
		if req.UserID == userID {
			all = append(all, req.Clone())
		}
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	if offset >= len(all) {
		return []*models.RideRequest{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) ActiveForDriver(ctx context.Context, driverID string) (*models.RideRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, req := range s.requests {
		if req.Status.Terminal() {
			continue
		}
		if req.AcceptedBid != nil && req.AcceptedBid.DriverID == driverID {
			return req.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, req := range s.requests {
		if req.Status.Terminal() && req.UpdatedAt.Before(cutoff) {
			delete(s.requests, id)
			removed++
		}
	}
	return removed, nil
}
