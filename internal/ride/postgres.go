package ride

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openride/dispatch/internal/models"
)

// PostgresStore persists ride requests in a single table. Bids and the
// accepted bid are embedded JSONB so every request mutation is one row
// write guarded by the version column.
//
// Schema:
//
//	CREATE TABLE ride_requests (
//	    id                  TEXT PRIMARY KEY,
//	    user_id             TEXT NOT NULL,
//	    pickup              JSONB NOT NULL,
//	    destination         JSONB NOT NULL,
//	    ride_type           TEXT NOT NULL,
//	    comfort_preference  INT NOT NULL,
//	    fare_preference     INT NOT NULL,
//	    estimated_distance  DOUBLE PRECISION NOT NULL,
//	    estimated_duration  INT NOT NULL,
//	    status              TEXT NOT NULL,
//	    bids                JSONB NOT NULL DEFAULT '[]',
//	    accepted_bid        JSONB,
//	    cancellation_reason TEXT NOT NULL DEFAULT '',
//	    created_at          TIMESTAMPTZ NOT NULL,
//	    updated_at          TIMESTAMPTZ NOT NULL,
//	    cancelled_at        TIMESTAMPTZ,
//	    version             BIGINT NOT NULL
//	);
//	CREATE INDEX ride_requests_user_idx ON ride_requests (user_id, created_at DESC);
//	CREATE INDEX ride_requests_status_idx ON ride_requests (status, updated_at);
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPool connects a pgx pool with the configured bounds.
func NewPool(ctx context.Context, url string, maxConns, minConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = int32(minConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const requestColumns = `
	id, user_id, pickup, destination, ride_type, comfort_preference,
	fare_preference, estimated_distance, estimated_duration, status, bids,
	accepted_bid, cancellation_reason, created_at, updated_at, cancelled_at,
	version
`

func (s *PostgresStore) Create(ctx context.Context, req *models.RideRequest) error {
	pickup, destination, bids, accepted, err := marshalParts(req)
	if err != nil {
		return err
	}

	req.Version = 1
	query := `
		INSERT INTO ride_requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err = s.db.Exec(ctx, query,
		req.ID, req.UserID, pickup, destination, req.RideType,
		req.ComfortPreference, req.FarePreference, req.EstimatedDistance,
		req.EstimatedDuration, req.Status, bids, accepted,
		req.CancellationReason, req.CreatedAt, req.UpdatedAt, req.CancelledAt,
		req.Version,
	)
	if err != nil {
		return fmt.Errorf("create ride request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM ride_requests WHERE id = $1`
	return s.scanOne(s.db.QueryRow(ctx, query, id))
}

func (s *PostgresStore) Update(ctx context.Context, req *models.RideRequest) error {
	pickup, destination, bids, accepted, err := marshalParts(req)
	if err != nil {
		return err
	}

	query := `
		UPDATE ride_requests
		SET status = $1, bids = $2, accepted_bid = $3, cancellation_reason = $4,
		    updated_at = $5, cancelled_at = $6, pickup = $7, destination = $8,
		    version = version + 1
		WHERE id = $9 AND version = $10
	`
	tag, err := s.db.Exec(ctx, query,
		req.Status, bids, accepted, req.CancellationReason,
		req.UpdatedAt, req.CancelledAt, pickup, destination,
		req.ID, req.Version,
	)
	if err != nil {
		return fmt.Errorf("update ride request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Row missing or version moved underneath us.
		if _, getErr := s.Get(ctx, req.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	req.Version++
	return nil
}

func (s *PostgresStore) ListBidding(ctx context.Context) ([]*models.RideRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM ride_requests
		WHERE status = $1
		ORDER BY created_at DESC
	`
	return s.scanMany(ctx, query, models.RideBidding)
}

func (s *PostgresStore) ListBiddingBefore(ctx context.Context, cutoff time.Time) ([]*models.RideRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM ride_requests
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
	`
	return s.scanMany(ctx, query, models.RideBidding, cutoff)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.RideRequest, int64, error) {
	var total int64
	countQuery := `SELECT COUNT(*) FROM ride_requests WHERE user_id = $1`
	if err := s.db.QueryRow(ctx, countQuery, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count ride requests: %w", err)
	}

	query := `
		SELECT ` + requestColumns + `
		FROM ride_requests
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	requests, err := s.scanMany(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

func (s *PostgresStore) ActiveForDriver(ctx context.Context, driverID string) (*models.RideRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM ride_requests
		WHERE status NOT IN ($1, $2)
		  AND accepted_bid ->> 'driverId' = $3
		LIMIT 1
	`
	req, err := s.scanOne(s.db.QueryRow(ctx, query, models.RideCompleted, models.RideCancelled, driverID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return req, err
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM ride_requests
		WHERE status IN ($1, $2) AND updated_at < $3
	`
	tag, err := s.db.Exec(ctx, query, models.RideCompleted, models.RideCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal ride requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) scanMany(ctx context.Context, query string, args ...interface{}) ([]*models.RideRequest, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ride requests: %w", err)
	}
	defer rows.Close()

	var out []*models.RideRequest
	for rows.Next() {
		req, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) scanOne(row rowScanner) (*models.RideRequest, error) {
	var (
		req                       models.RideRequest
		pickup, destination, bids []byte
		accepted                  []byte
	)

	err := row.Scan(
		&req.ID, &req.UserID, &pickup, &destination, &req.RideType,
		&req.ComfortPreference, &req.FarePreference, &req.EstimatedDistance,
		&req.EstimatedDuration, &req.Status, &bids, &accepted,
		&req.CancellationReason, &req.CreatedAt, &req.UpdatedAt,
		&req.CancelledAt, &req.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan ride request: %w", err)
	}

	if err := json.Unmarshal(pickup, &req.Pickup); err != nil {
		return nil, fmt.Errorf("decode pickup: %w", err)
	}
	if err := json.Unmarshal(destination, &req.Destination); err != nil {
		return nil, fmt.Errorf("decode destination: %w", err)
	}
	if err := json.Unmarshal(bids, &req.Bids); err != nil {
		return nil, fmt.Errorf("decode bids: %w", err)
	}
	if len(accepted) > 0 {
		req.AcceptedBid = &models.Bid{}
		if err := json.Unmarshal(accepted, req.AcceptedBid); err != nil {
			return nil, fmt.Errorf("decode accepted bid: %w", err)
		}
	}
	return &req, nil
}

func marshalParts(req *models.RideRequest) (pickup, destination, bids, accepted []byte, err error) {
	if pickup, err = json.Marshal(req.Pickup); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode pickup: %w", err)
	}
	if destination, err = json.Marshal(req.Destination); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode destination: %w", err)
	}
	if req.Bids == nil {
		bids = []byte("[]")
	} else if bids, err = json.Marshal(req.Bids); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode bids: %w", err)
	}
	if req.AcceptedBid != nil {
		if accepted, err = json.Marshal(req.AcceptedBid); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode accepted bid: %w", err)
		}
	}
	return pickup, destination, bids, accepted, nil
}
