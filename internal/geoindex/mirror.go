package geoindex

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openride/dispatch/pkg/logger"
)

const (
	driverGeoKey         = "drivers:geo"
	driverLocationPrefix = "driver:location:"
	driverLocationTTL    = 10 * time.Minute
)

// Mirror publishes driver locations to Redis so other nodes (and the REST
// read side) can see presence without holding the in-memory index.
// All writes are best-effort; failures are logged and never propagated.
type Mirror struct {
	rdb redis.Cmdable
}

// NewMirror creates a mirror over any Redis client. Pass nil to disable.
func NewMirror(rdb redis.Cmdable) *Mirror {
	if rdb == nil {
		return nil
	}
	return &Mirror{rdb: rdb}
}

type mirroredLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
}

// Publish records the driver's position in the geo set and as a JSON key.
func (m *Mirror) Publish(ctx context.Context, driverID string, lat, lon float64) {
	if m == nil {
		return
	}

	if err := m.rdb.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
		Name:      driverID,
		Latitude:  lat,
		Longitude: lon,
	}).Err(); err != nil {
		logger.Warn("geo mirror GEOADD failed", zap.String("driver_id", driverID), zap.Error(err))
	}

	payload, err := json.Marshal(mirroredLocation{
		Latitude:  lat,
		Longitude: lon,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := m.rdb.Set(ctx, driverLocationPrefix+driverID, string(payload), driverLocationTTL).Err(); err != nil {
		logger.Warn("geo mirror SET failed", zap.String("driver_id", driverID), zap.Error(err))
	}
}

// Evict drops the driver from the mirror.
func (m *Mirror) Evict(ctx context.Context, driverID string) {
	if m == nil {
		return
	}
	if err := m.rdb.ZRem(ctx, driverGeoKey, driverID).Err(); err != nil {
		logger.Warn("geo mirror ZREM failed", zap.String("driver_id", driverID), zap.Error(err))
	}
	if err := m.rdb.Del(ctx, driverLocationPrefix+driverID).Err(); err != nil {
		logger.Warn("geo mirror DEL failed", zap.String("driver_id", driverID), zap.Error(err))
	}
}

// Location reads a mirrored driver position, if present.
func (m *Mirror) Location(ctx context.Context, driverID string) (lat, lon float64, ok bool) {
	if m == nil {
		return 0, 0, false
	}
	raw, err := m.rdb.Get(ctx, driverLocationPrefix+driverID).Result()
	if err != nil {
		return 0, 0, false
	}
	var loc mirroredLocation
	if err := json.Unmarshal([]byte(raw), &loc); err != nil {
		return 0, 0, false
	}
	return loc.Latitude, loc.Longitude, true
}
