package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openride/dispatch/pkg/logger"
)

const (
	idempotencyPrefix = "idem:"
	idempotencyTTL    = 30 * time.Second
)

// Deduper suppresses replayed inbound operations within a short window.
// Keys are (message type, caller identity, payload hash). Best-effort:
// with no Redis, or on Redis failure, every message looks fresh.
type Deduper struct {
	rdb redis.Cmdable
}

// NewDeduper creates a deduper. Pass nil to disable deduplication.
func NewDeduper(rdb redis.Cmdable) *Deduper {
	if rdb == nil {
		return nil
	}
	return &Deduper{rdb: rdb}
}

// key hashes the operation into its dedup key.
func (d *Deduper) key(msgType, identity string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(msgType))
	h.Write([]byte{0})
	h.Write([]byte(identity))
	h.Write([]byte{0})
	h.Write(payload)
	return idempotencyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Reserve claims the operation. It returns false when an identical
// operation was already seen inside the window, along with any cached
// response recorded by Complete.
func (d *Deduper) Reserve(ctx context.Context, msgType, identity string, payload []byte) (cached *Outbound, fresh bool) {
	if d == nil {
		return nil, true
	}

	key := d.key(msgType, identity, payload)
	ok, err := d.rdb.SetNX(ctx, key, "pending", idempotencyTTL).Result()
	if err != nil {
		logger.Warn("idempotency reserve failed", zap.String("type", msgType), zap.Error(err))
		return nil, true
	}
	if ok {
		return nil, true
	}

	raw, err := d.rdb.Get(ctx, key).Result()
	if err != nil || raw == "pending" {
		return nil, false
	}
	var msg Outbound
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, false
	}
	return &msg, false
}

// Complete records the terminal response for replay delivery.
func (d *Deduper) Complete(ctx context.Context, msgType, identity string, payload []byte, response *Outbound) {
	if d == nil {
		return
	}

	raw, err := json.Marshal(response)
	if err != nil {
		return
	}
	key := d.key(msgType, identity, payload)
	if err := d.rdb.Set(ctx, key, string(raw), idempotencyTTL).Err(); err != nil {
		logger.Warn("idempotency record failed", zap.String("type", msgType), zap.Error(err))
	}
}
