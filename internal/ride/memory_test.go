package ride

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openride/dispatch/internal/models"
)

func newRequest(userID string, status models.RideStatus, age time.Duration) *models.RideRequest {
	now := time.Now().UTC().Add(-age)
	return &models.RideRequest{
		ID:        models.NewRequestID(),
		UserID:    userID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	req := newRequest("USER_0000000A", models.RidePending, 0)
	require.NoError(t, s.Create(ctx, req))
	assert.Equal(t, int64(1), req.Version)

	got, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	// Reads hand out copies, not the stored record.
	got.Status = models.RideCancelled
	again, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RidePending, again.Status)

	_, err = s.Get(ctx, "ffffffffffffffffffffffff")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateVersionConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	req := newRequest("USER_0000000A", models.RideBidding, 0)
	require.NoError(t, s.Create(ctx, req))

	a, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	b, err := s.Get(ctx, req.ID)
	require.NoError(t, err)

	a.Status = models.RideAccepted
	require.NoError(t, s.Update(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	// The second writer lost the race.
	b.Status = models.RideCancelled
	assert.ErrorIs(t, s.Update(ctx, b), ErrVersionConflict)

	stored, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideAccepted, stored.Status)
}

func TestListBiddingBefore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	old := newRequest("USER_0000000A", models.RideBidding, 10*time.Minute)
	fresh := newRequest("USER_0000000A", models.RideBidding, 0)
	terminal := newRequest("USER_0000000A", models.RideCancelled, 10*time.Minute)
	require.NoError(t, s.Create(ctx, old))
	require.NoError(t, s.Create(ctx, fresh))
	require.NoError(t, s.Create(ctx, terminal))

	all, err := s.ListBidding(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stale, err := s.ListBiddingBefore(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestListByUserPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		req := newRequest("USER_0000000A", models.RideCompleted, time.Duration(i)*time.Minute)
		require.NoError(t, s.Create(ctx, req))
	}
	require.NoError(t, s.Create(ctx, newRequest("USER_0000000B", models.RideCompleted, 0)))

	page, total, err := s.ListByUser(ctx, "USER_0000000A", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt), "newest first")

	rest, _, err := s.ListByUser(ctx, "USER_0000000A", 10, 4)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	empty, total, err := s.ListByUser(ctx, "USER_0000000A", 10, 99)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Empty(t, empty)
}

func TestActiveForDriver(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	req := newRequest("USER_0000000A", models.RideAccepted, 0)
	req.AcceptedBid = &models.Bid{ID: "BID_00000001", DriverID: "DRIVER_11111111"}
	require.NoError(t, s.Create(ctx, req))

	done := newRequest("USER_0000000A", models.RideCompleted, 0)
	done.AcceptedBid = &models.Bid{ID: "BID_00000002", DriverID: "DRIVER_22222222"}
	require.NoError(t, s.Create(ctx, done))

	active, err := s.ActiveForDriver(ctx, "DRIVER_11111111")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, req.ID, active.ID)

	// Terminal assignments do not count.
	none, err := s.ActiveForDriver(ctx, "DRIVER_22222222")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDeleteTerminalBefore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	oldDone := newRequest("USER_0000000A", models.RideCompleted, 48*time.Hour)
	freshDone := newRequest("USER_0000000A", models.RideCancelled, time.Hour)
	open := newRequest("USER_0000000A", models.RideBidding, 48*time.Hour)
	require.NoError(t, s.Create(ctx, oldDone))
	require.NoError(t, s.Create(ctx, freshDone))
	require.NoError(t, s.Create(ctx, open))

	removed, err := s.DeleteTerminalBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.Get(ctx, oldDone.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, open.ID)
	assert.NoError(t, err)
}
