package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/openride/dispatch/pkg/logger"
)

// NATSHook publishes every domain event to NATS for cross-server fan-out.
// Event types map to subjects by replacing ':' with '.', e.g.
// ride:bidUpdate -> dispatch.ride.bidUpdate.
type NATSHook struct {
	nc *nats.Conn
}

const subjectPrefix = "dispatch."

// ConnectNATS dials NATS with reconnect handling and returns the hook.
func ConnectNATS(url string) (*NATSHook, error) {
	nc, err := nats.Connect(url,
		nats.Name("dispatchd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("NATS fan-out hook connected", zap.String("url", url))
	return &NATSHook{nc: nc}, nil
}

// Publish implements Outbound.
func (h *NATSHook) Publish(ctx context.Context, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := subjectPrefix + strings.ReplaceAll(string(event.Type), ":", ".")
	if err := h.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (h *NATSHook) Close() {
	if h.nc != nil {
		_ = h.nc.Drain()
	}
}
