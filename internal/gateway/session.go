package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openride/dispatch/internal/bus"
	"github.com/openride/dispatch/pkg/common"
	"github.com/openride/dispatch/pkg/logger"
	"github.com/openride/dispatch/pkg/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Bounded queues per connection. Overflow on either side closes the
	// connection with SLOW_CONSUMER.
	sendQueueSize  = 64
	inboxQueueSize = 64
)

// session is one live websocket connection. It implements bus.Subscriber
// so the event bus can deliver straight into the send queue.
type session struct {
	id   string
	conn *websocket.Conn
	gw   *Gateway

	send  chan *Outbound
	inbox chan *Message

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn *websocket.Conn, gw *Gateway) *session {
	return &session{
		id:    uuid.New().String(),
		conn:  conn,
		gw:    gw,
		send:  make(chan *Outbound, sendQueueSize),
		inbox: make(chan *Message, inboxQueueSize),
		done:  make(chan struct{}),
	}
}

// ID implements bus.Subscriber.
func (s *session) ID() string { return s.id }

// Deliver implements bus.Subscriber. It never blocks; a full send queue
// drops the event, and the connection is torn down as a slow consumer.
func (s *session) Deliver(event *bus.Event) bool {
	select {
	case s.send <- newOutbound(string(event.Type), event.Data):
		return true
	default:
		metrics.SlowConsumerDrops.Inc()
		s.closeSlow()
		return false
	}
}

// reply enqueues a direct response. Same overflow policy as Deliver.
func (s *session) reply(msg *Outbound) {
	select {
	case s.send <- msg:
	default:
		metrics.SlowConsumerDrops.Inc()
		s.closeSlow()
	}
}

func (s *session) closeSlow() {
	s.closeOnce.Do(func() {
		logger.Warn("closing slow consumer", zap.String("conn_id", s.id))
		deadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(common.CodeSlowConsumer)),
			deadline)
		close(s.done)
		_ = s.conn.Close()
	})
}

// close tears the connection down without the slow-consumer close frame.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// readPump feeds inbound frames into the bounded inbox. It owns the read
// side of the connection.
func (s *session) readPump() {
	defer func() {
		s.gw.detach(s)
		s.close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read failed", zap.String("conn_id", s.id), zap.Error(err))
			}
			return
		}

		select {
		case s.inbox <- &msg:
		default:
			metrics.SlowConsumerDrops.Inc()
			s.reply(newErrorMessage(&common.AppError{
				Code:    common.CodeSlowConsumer,
				Message: "inbound queue overflow",
			}))
			s.closeSlow()
			return
		}
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings and periodic heartbeat messages.
func (s *session) writePump(heartbeatEvery time.Duration) {
	pings := time.NewTicker(pingPeriod)
	heartbeats := time.NewTicker(heartbeatEvery)
	defer func() {
		pings.Stop()
		heartbeats.Stop()
		s.close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-heartbeats.C:
			s.reply(newOutbound(MsgHeartbeat, map[string]interface{}{
				"serverTime": time.Now().UTC(),
			}))

		case <-pings.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			return
		}
	}
}

// workPump applies inbound messages in arrival order, one at a time, so
// a single connection cannot interleave its own operations.
func (s *session) workPump() {
	for {
		select {
		case msg := <-s.inbox:
			s.gw.handleMessage(s, msg)
		case <-s.done:
			return
		}
	}
}
