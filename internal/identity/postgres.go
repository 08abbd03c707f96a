package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openride/dispatch/internal/models"
)

// PostgresProfiles persists riders and drivers. Vehicles and preference
// blobs are embedded JSONB; phone/email uniqueness is enforced by
// constraints named *_phone_key / *_email_key.
//
// Schema:
//
//	CREATE TABLE riders (
//	    id             TEXT PRIMARY KEY,
//	    name           TEXT NOT NULL,
//	    phone          TEXT NOT NULL CONSTRAINT riders_phone_key UNIQUE,
//	    email          TEXT CONSTRAINT riders_email_key UNIQUE,
//	    default_pickup JSONB,
//	    preferences    JSONB NOT NULL DEFAULT '{}',
//	    rating         DOUBLE PRECISION NOT NULL DEFAULT 5,
//	    total_rides    INT NOT NULL DEFAULT 0,
//	    last_seen_at   TIMESTAMPTZ NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE drivers (
//	    id           TEXT PRIMARY KEY,
//	    name         TEXT NOT NULL,
//	    phone        TEXT NOT NULL CONSTRAINT drivers_phone_key UNIQUE,
//	    email        TEXT CONSTRAINT drivers_email_key UNIQUE,
//	    location     JSONB,
//	    status       TEXT NOT NULL DEFAULT 'OFFLINE',
//	    rating       DOUBLE PRECISION NOT NULL DEFAULT 5,
//	    total_rides  INT NOT NULL DEFAULT 0,
//	    vehicles     JSONB NOT NULL DEFAULT '[]',
//	    last_seen_at TIMESTAMPTZ NOT NULL,
//	    located_at   TIMESTAMPTZ NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL
//	);
type PostgresProfiles struct {
	db *pgxpool.Pool
}

// NewPostgresProfiles creates a profile store over an existing pool.
func NewPostgresProfiles(db *pgxpool.Pool) *PostgresProfiles {
	return &PostgresProfiles{db: db}
}

const uniqueViolation = "23505"

func (s *PostgresProfiles) CreateRider(ctx context.Context, rider *models.Rider) error {
	pickup, prefs, err := marshalRiderParts(rider)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO riders (id, name, phone, email, default_pickup, preferences,
		                    rating, total_rides, last_seen_at, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.Exec(ctx, query,
		rider.ID, rider.Name, rider.Phone, rider.Email, pickup, prefs,
		rider.Rating, rider.TotalRides, rider.LastSeenAt, rider.CreatedAt,
	)
	if err != nil {
		return mapUniqueViolation(err, "riders")
	}
	return nil
}

func (s *PostgresProfiles) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	query := `
		SELECT id, name, phone, COALESCE(email, ''), default_pickup, preferences,
		       rating, total_rides, last_seen_at, created_at
		FROM riders WHERE id = $1
	`
	var (
		rider         models.Rider
		pickup, prefs []byte
	)
	err := s.db.QueryRow(ctx, query, id).Scan(
		&rider.ID, &rider.Name, &rider.Phone, &rider.Email, &pickup, &prefs,
		&rider.Rating, &rider.TotalRides, &rider.LastSeenAt, &rider.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRiderNotFound
		}
		return nil, fmt.Errorf("get rider: %w", err)
	}

	if len(pickup) > 0 {
		rider.DefaultPickup = &models.Location{}
		if err := json.Unmarshal(pickup, rider.DefaultPickup); err != nil {
			return nil, fmt.Errorf("decode default pickup: %w", err)
		}
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &rider.Preferences); err != nil {
			return nil, fmt.Errorf("decode preferences: %w", err)
		}
	}
	return &rider, nil
}

func (s *PostgresProfiles) UpdateRider(ctx context.Context, rider *models.Rider) error {
	pickup, prefs, err := marshalRiderParts(rider)
	if err != nil {
		return err
	}

	query := `
		UPDATE riders
		SET name = $1, phone = $2, email = NULLIF($3, ''), default_pickup = $4,
		    preferences = $5, rating = $6, total_rides = $7, last_seen_at = $8
		WHERE id = $9
	`
	tag, err := s.db.Exec(ctx, query,
		rider.Name, rider.Phone, rider.Email, pickup, prefs,
		rider.Rating, rider.TotalRides, rider.LastSeenAt, rider.ID,
	)
	if err != nil {
		return mapUniqueViolation(err, "riders")
	}
	if tag.RowsAffected() == 0 {
		return ErrRiderNotFound
	}
	return nil
}

func (s *PostgresProfiles) CreateDriver(ctx context.Context, driver *models.Driver) error {
	location, vehicles, err := marshalDriverParts(driver)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO drivers (id, name, phone, email, location, status, rating,
		                     total_rides, vehicles, last_seen_at, located_at, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.db.Exec(ctx, query,
		driver.ID, driver.Name, driver.Phone, driver.Email, location,
		driver.Status, driver.Rating, driver.TotalRides, vehicles,
		driver.LastSeenAt, driver.LocatedAt, driver.CreatedAt,
	)
	if err != nil {
		return mapUniqueViolation(err, "drivers")
	}
	return nil
}

func (s *PostgresProfiles) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	query := `
		SELECT id, name, phone, COALESCE(email, ''), location, status, rating,
		       total_rides, vehicles, last_seen_at, located_at, created_at
		FROM drivers WHERE id = $1
	`
	var (
		driver             models.Driver
		location, vehicles []byte
	)
	err := s.db.QueryRow(ctx, query, id).Scan(
		&driver.ID, &driver.Name, &driver.Phone, &driver.Email, &location,
		&driver.Status, &driver.Rating, &driver.TotalRides, &vehicles,
		&driver.LastSeenAt, &driver.LocatedAt, &driver.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDriverNotFound
		}
		return nil, fmt.Errorf("get driver: %w", err)
	}

	if len(location) > 0 {
		driver.Location = &models.Location{}
		if err := json.Unmarshal(location, driver.Location); err != nil {
			return nil, fmt.Errorf("decode driver location: %w", err)
		}
	}
	if err := json.Unmarshal(vehicles, &driver.Vehicles); err != nil {
		return nil, fmt.Errorf("decode vehicles: %w", err)
	}
	return &driver, nil
}

func (s *PostgresProfiles) UpdateDriver(ctx context.Context, driver *models.Driver) error {
	location, vehicles, err := marshalDriverParts(driver)
	if err != nil {
		return err
	}

	query := `
		UPDATE drivers
		SET name = $1, phone = $2, email = NULLIF($3, ''), location = $4,
		    status = $5, rating = $6, total_rides = $7, vehicles = $8,
		    last_seen_at = $9, located_at = $10
		WHERE id = $11
	`
	tag, err := s.db.Exec(ctx, query,
		driver.Name, driver.Phone, driver.Email, location, driver.Status,
		driver.Rating, driver.TotalRides, vehicles, driver.LastSeenAt,
		driver.LocatedAt, driver.ID,
	)
	if err != nil {
		return mapUniqueViolation(err, "drivers")
	}
	if tag.RowsAffected() == 0 {
		return ErrDriverNotFound
	}
	return nil
}

func marshalRiderParts(rider *models.Rider) (pickup, prefs []byte, err error) {
	if rider.DefaultPickup != nil {
		if pickup, err = json.Marshal(rider.DefaultPickup); err != nil {
			return nil, nil, fmt.Errorf("encode default pickup: %w", err)
		}
	}
	if prefs, err = json.Marshal(rider.Preferences); err != nil {
		return nil, nil, fmt.Errorf("encode preferences: %w", err)
	}
	return pickup, prefs, nil
}

func marshalDriverParts(driver *models.Driver) (location, vehicles []byte, err error) {
	if driver.Location != nil {
		if location, err = json.Marshal(driver.Location); err != nil {
			return nil, nil, fmt.Errorf("encode driver location: %w", err)
		}
	}
	if driver.Vehicles == nil {
		vehicles = []byte("[]")
	} else if vehicles, err = json.Marshal(driver.Vehicles); err != nil {
		return nil, nil, fmt.Errorf("encode vehicles: %w", err)
	}
	return location, vehicles, nil
}

func mapUniqueViolation(err error, table string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case table + "_phone_key":
			return ErrPhoneExists
		case table + "_email_key":
			return ErrEmailExists
		}
	}
	return fmt.Errorf("write %s: %w", table, err)
}
