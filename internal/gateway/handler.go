// Package gateway terminates client websocket connections and translates
// wire messages into engine and registry calls. Every inbound operation
// gets exactly one terminal response: the named success message or an
// error envelope.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openride/dispatch/internal/auction"
	"github.com/openride/dispatch/internal/bus"
	"github.com/openride/dispatch/internal/identity"
	"github.com/openride/dispatch/internal/models"
	"github.com/openride/dispatch/pkg/common"
	"github.com/openride/dispatch/pkg/logger"
	"github.com/openride/dispatch/pkg/metrics"
	"github.com/openride/dispatch/pkg/validation"
)

const operationTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway owns the live sessions and the wire protocol.
type Gateway struct {
	registry *identity.Registry
	engine   *auction.Engine
	events   *bus.Bus
	dedupe   *Deduper

	heartbeatEvery time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
}

// New wires the gateway. dedupe may be nil.
func New(registry *identity.Registry, engine *auction.Engine, events *bus.Bus, dedupe *Deduper, heartbeatEvery time.Duration) *Gateway {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 30 * time.Second
	}
	return &Gateway{
		registry:       registry,
		engine:         engine,
		events:         events,
		dedupe:         dedupe,
		heartbeatEvery: heartbeatEvery,
		sessions:       make(map[string]*session),
	}
}

// HandleWS upgrades the HTTP request and runs the connection pumps.
func (g *Gateway) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s := newSession(conn, g)
	g.attach(s)

	go s.writePump(g.heartbeatEvery)
	go s.workPump()
	go s.readPump()
}

func (g *Gateway) attach(s *session) {
	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()

	metrics.ConnectedSessions.Inc()
	logger.Debug("session attached", zap.String("conn_id", s.id))
}

func (g *Gateway) detach(s *session) {
	g.mu.Lock()
	_, ok := g.sessions[s.id]
	delete(g.sessions, s.id)
	g.mu.Unlock()
	if !ok {
		return
	}

	metrics.ConnectedSessions.Dec()
	g.events.Drop(s.id)

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	if sess, err := g.registry.Unregister(ctx, s.id); err == nil && sess != nil {
		logger.Info("session detached",
			zap.String("conn_id", s.id),
			zap.String("identity", sess.Identity),
		)
	}
}

// SessionCount returns the number of attached connections.
func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// CloseSession force-closes one connection; the heartbeat sweep uses it.
func (g *Gateway) CloseSession(connID string) {
	g.mu.RLock()
	s, ok := g.sessions[connID]
	g.mu.RUnlock()
	if ok {
		s.close()
	}
}

// Shutdown closes every connection.
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	open := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		open = append(open, s)
	}
	g.mu.RUnlock()

	for _, s := range open {
		s.close()
	}
}

func (g *Gateway) handleMessage(s *session, msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	ctx = logger.ContextWithCorrelationID(ctx, s.id)

	var err error
	switch msg.Type {
	case MsgUserRegister:
		err = g.handleUserRegister(ctx, s, msg)
	case MsgDriverRegister:
		err = g.handleDriverRegister(ctx, s, msg)
	case MsgDriverStatus:
		err = g.handleDriverStatus(ctx, s, msg)
	case MsgDriverLocation:
		err = g.handleDriverLocation(ctx, s, msg)
	case MsgNewRequest:
		err = g.handleNewRequest(ctx, s, msg)
	case MsgBidPlaced:
		err = g.handleBidPlaced(ctx, s, msg)
	case MsgBidAccepted:
		err = g.handleBidAccepted(ctx, s, msg)
	case MsgRideCancel:
		err = g.handleCancel(ctx, s, msg)
	case MsgRequestBidUpdate:
		err = g.handleBidRefresh(ctx, s, msg)
	case MsgHeartbeatAck:
		g.registry.Touch(s.id)
	default:
		err = common.NewValidationError("unknown message type", map[string]string{"type": msg.Type})
	}

	if err != nil {
		logger.WithContext(ctx).Debug("inbound message rejected",
			zap.String("type", msg.Type),
			zap.Error(err),
		)
		s.reply(newErrorMessage(err))
	}
}

func (g *Gateway) handleUserRegister(ctx context.Context, s *session, msg *Message) error {
	var payload registerPayload
	if err := decodePayload(msg.Data, &payload); err != nil {
		return err
	}

	var profile *identity.RiderProfile
	if len(payload.Profile) > 0 {
		profile = &identity.RiderProfile{}
		if err := json.Unmarshal(payload.Profile, profile); err != nil {
			return common.NewValidationError("malformed rider profile", map[string]string{"error": err.Error()})
		}
		if err := validation.ValidateStruct(profile); err != nil {
			return err
		}
	}

	rider, err := g.registry.RegisterRider(ctx, s.id, payload.UserID, profile)
	if err != nil {
		return err
	}

	g.events.Subscribe(bus.RiderRoom(rider.ID), s)
	s.reply(newOutbound(MsgUserRegistered, map[string]interface{}{"user": rider}))
	return nil
}

func (g *Gateway) handleDriverRegister(ctx context.Context, s *session, msg *Message) error {
	var payload registerPayload
	if err := decodePayload(msg.Data, &payload); err != nil {
		return err
	}

	var profile *identity.DriverProfile
	if len(payload.Profile) > 0 {
		profile = &identity.DriverProfile{}
		if err := json.Unmarshal(payload.Profile, profile); err != nil {
			return common.NewValidationError("malformed driver profile", map[string]string{"error": err.Error()})
		}
		if err := validation.ValidateStruct(profile); err != nil {
			return err
		}
	}

	driver, err := g.registry.RegisterDriver(ctx, s.id, payload.DriverID, profile)
	if err != nil {
		return err
	}

	g.events.Subscribe(bus.DriverRoom(driver.ID), s)
	g.events.Subscribe(bus.GlobalRoom, s)
	s.reply(newOutbound(MsgDriverRegistered, map[string]interface{}{"driver": driver}))
	return nil
}

func (g *Gateway) handleDriverStatus(ctx context.Context, s *session, msg *Message) error {
	sess, err := g.requireRole(s, identity.RoleDriver)
	if err != nil {
		return err
	}

	var payload statusPayload
	if err := decodePayload(msg.Data, &payload); err != nil {
		return err
	}

	driver, err := g.registry.SetDriverStatus(ctx, sess.Identity, payload.Status)
	if err != nil {
		return err
	}

	s.reply(newOutbound(string(bus.EventDriverStatus), map[string]interface{}{
		"driverId": driver.ID,
		"status":   driver.Status,
	}))
	return nil
}

func (g *Gateway) handleDriverLocation(ctx context.Context, s *session, msg *Message) error {
	sess, err := g.requireRole(s, identity.RoleDriver)
	if err != nil {
		return err
	}

	var payload locationPayload
	if err := decodePayload(msg.Data, &payload); err != nil {
		return err
	}
	if err := validation.ValidateStruct(payload); err != nil {
		return err
	}

	driver, err := g.registry.UpdateDriverLocation(ctx, sess.Identity, models.Location{
		Latitude:  payload.Latitude,
		Longitude: payload.Longitude,
		Address:   payload.Address,
	})
	if err != nil {
		return err
	}

	s.reply(newOutbound(MsgLocationUpdated, map[string]interface{}{
		"driverId": driver.ID,
		"location": driver.Location,
	}))

	// Riders with an active ride assigned to this driver track it live.
	if ride, err := g.engine.ActiveRideForDriver(ctx, driver.ID); err == nil && ride != nil {
		g.events.Publish(ctx, bus.NewEvent(bus.EventDriverLocation, map[string]interface{}{
			"driverId":  driver.ID,
			"requestId": ride.ID,
			"location":  driver.Location,
			"heading":   payload.Heading,
			"speed":     payload.Speed,
		}), bus.RiderRoom(ride.UserID))
	}
	return nil
}

func (g *Gateway) handleNewRequest(ctx context.Context, s *session, msg *Message) error {
	sess, err := g.requireRole(s, identity.RoleRider)
	if err != nil {
		return err
	}

	if cached, fresh := g.dedupe.Reserve(ctx, msg.Type, sess.Identity, msg.Data); !fresh {
		if cached != nil {
			s.reply(cached)
			return nil
		}
		return common.NewConflict(common.CodeDuplicateResource, "identical request already in flight")
	}

	var payload newRequestPayload
	if err := decodePayload(msg.Data, &payload); err != nil {
		return err
	}

	req, err := g.engine.Create(ctx, auction.CreateInput{
		UserID:            sess.Identity,
		RideType:          payload.RideType,
		Pickup:            payload.Pickup,
		Destination:       payload.Destination,
		ComfortPreference: payload.ComfortPreference,
		FarePreference:    payload.FarePreference,
	})
	if err != nil {
		return err
	}

	g.events.Subscribe(bus.RequestRoom(req.ID), s)

	response := newOutbound(string(bus.EventRideRequestCreated), map[string]interface{}{"request": req})
	g.dedupe.Complete(ctx, msg.Type, sess.Identity, msg.Data, response)
	s.reply(response)
	return nil
}

func (g *Gateway) handleBidPlaced(ctx context.Context, s *session, msg *Message) error {
	sess, err := g.requireRole(s, identity.RoleDriver)
	if err != nil {
		return err
	}

	if cached, fresh := g.dedupe.Reserve(ctx, msg.Type, sess.Identity, msg.Data); !fresh {
		if cached != nil {
			s.reply(cached)
			return nil
		}
		return common.NewConflict(common.CodeDuplicateResource, "identical bid already in flight")
	}

	var payload bidPlacedPayload
	if err := decodePayload(msg.Data, &payload); err != nil {
		return err
	}

	req, bid, err := g.engine.PlaceBid(ctx, sess.Identity, auction.BidInput{
		RequestID:        payload.RequestID,
		FareAmount:       payload.FareAmount,
		EstimatedArrival: payload.EstimatedArrival,
		Message:          payload.Message,
		VehicleID:        payload.VehicleID,
	})
	if err != nil {
		return err
	}

	response := newOutbound(string(bus.EventRideBidUpdate), map[string]interface{}{
		"requestId": req.ID,
		"bid":       bid,
		"bidCount":  len(req.Bids),
	})
	g.dedupe.Complete(ctx, msg.Type, sess.Identity, msg.Data, response)
	s.reply(response)
	return nil
}

func (g *Gateway) handleBidAccepted(ctx context.Context, s *session, msg *Message) error {
	sess, err := g.requireRole(s, identity.RoleRider)
	if err != nil {
		return err
	}

	var payload bidAcceptedPayload
	if err := decodePayload(msg.Data, &payload); err != nil {
		return err
	}
	if payload.UserID != "" && payload.UserID != sess.Identity {
		return common.NewUnauthorized("userId does not match the registered session")
	}

	req, err := g.engine.AcceptBid(ctx, sess.Identity, payload.RequestID, payload.BidID)
	if err != nil {
		return err
	}

	s.reply(newOutbound(string(bus.EventRideBidAccepted), map[string]interface{}{
		"requestId":   req.ID,
		"acceptedBid": req.AcceptedBid,
		"status":      req.Status,
	}))
	return nil
}

func (g *Gateway) handleCancel(ctx context.Context, s *session, msg *Message) error {
	sess, ok := g.registry.SessionOf(s.id)
	if !ok {
		return common.NewUnauthorized("register before sending ride operations")
	}

	var payload cancelPayload
	if err := decodePayload(msg.Data, &payload); err != nil {
		return err
	}

	req, err := g.engine.Cancel(ctx, sess.Identity, payload.RideID, payload.Reason)
	if err != nil {
		return err
	}

	s.reply(newOutbound(string(bus.EventRideCancelled), map[string]interface{}{
		"requestId": req.ID,
		"status":    req.Status,
		"reason":    req.CancellationReason,
	}))
	return nil
}

func (g *Gateway) handleBidRefresh(ctx context.Context, s *session, msg *Message) error {
	if _, ok := g.registry.SessionOf(s.id); !ok {
		return common.NewUnauthorized("register before sending ride operations")
	}

	var payload bidUpdateRequestPayload
	if err := decodePayload(msg.Data, &payload); err != nil {
		return err
	}

	listing, err := g.engine.Bids(ctx, payload.RequestID, auction.BidQuery{})
	if err != nil {
		return err
	}

	g.events.Subscribe(bus.RequestRoom(payload.RequestID), s)
	s.reply(newOutbound(string(bus.EventRideBidUpdate), listing))
	return nil
}

func (g *Gateway) requireRole(s *session, role identity.Role) (*identity.Session, error) {
	sess, ok := g.registry.SessionOf(s.id)
	if !ok {
		return nil, common.NewUnauthorized("register before sending ride operations")
	}
	if sess.Role != role {
		return nil, common.NewUnauthorized("operation not allowed for this role")
	}
	return sess, nil
}
