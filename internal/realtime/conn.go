package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tableside/floor-core/internal/alert"
	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/eventbus"
)

const (
	TopicReady = "ready"
	TopicAck   = "ack"
	TopicError = "error"

	MessageAcknowledgeAlert = "alert.acknowledge"
	MessageCreateAlert      = "alert.create"

	maxInboundSize = 4096
)

type State int32

const (
	StateConnecting State = iota
	StateReady
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	AlertID   string `json:"alertId,omitempty"`
	By        string `json:"by,omitempty"`
	TableID   string `json:"tableId,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

type errorPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
}

type ackPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Type      string `json:"type"`
	Result    any    `json:"result"`
}

type conn struct {
	g        *Gateway
	ws       *websocket.Conn
	id       string
	tenantID string
	queue    *eventbus.Queue
	limiter  *rate.Limiter
	log      *logrus.Entry

	state       atomic.Int32
	unsubscribe func()
	writeMu     sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
}

func newConn(g *Gateway, ws *websocket.Conn, id, tenantID string) *conn {
	c := &conn{
		g:        g,
		ws:       ws,
		id:       id,
		tenantID: tenantID,
		limiter:  rate.NewLimiter(rate.Limit(g.opts.InboundRate), g.opts.InboundBurst),
		log: g.log.WithFields(logrus.Fields{
			"connection_id": id,
			"tenant_id":     tenantID,
		}),
		done: make(chan struct{}),
	}
	c.queue = eventbus.NewQueue(g.opts.SendQueueSize, func() {
		// runs inside Publish; closing writes to the socket so it must not block the bus
		go c.close(websocket.CloseTryAgainLater, "client too slow, reconnect for a fresh snapshot")
	})
	return c
}

// subscribe registers the connection on every dashboard topic. It happens
// before the snapshot is built so nothing published meanwhile is lost.
func (c *conn) subscribe() {
	c.unsubscribe = c.g.bus.SubscribeMany(eventbus.DashboardTopics, func(env eventbus.Envelope) {
		if env.TenantID != c.tenantID {
			return
		}
		c.queue.Push(env)
	})
}

func (c *conn) State() State {
	return State(c.state.Load())
}

func (c *conn) run(ctx context.Context) {
	defer c.close(websocket.CloseNormalClosure, "")

	snap := c.g.snapshot(ctx, c.id, c.tenantID)
	if err := c.send(TopicReady, snap); err != nil {
		c.log.WithError(err).Debug("failed to send ready snapshot")
		return
	}
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateReady))

	go c.readLoop(ctx)

	replayed := make(map[uint64]struct{})
	for _, env := range c.g.bus.DrainAllHistory() {
		if env.TenantID != c.tenantID || env.Topic == eventbus.TopicHeartbeat {
			continue
		}
		if err := c.write(env); err != nil {
			return
		}
		replayed[env.Seq] = struct{}{}
	}
	c.state.CompareAndSwap(int32(StateReady), int32(StateStreaming))
	c.log.WithField("replayed", len(replayed)).Debug("dashboard connection streaming")

	ticker := time.NewTicker(c.g.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.queue.C():
			if _, ok := replayed[env.Seq]; ok {
				continue
			}
			if err := c.write(env); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.heartbeat(); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) heartbeat() error {
	if err := c.send(eventbus.TopicHeartbeat, map[string]string{"connectionId": c.id}); err != nil {
		return err
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.g.opts.WriteTimeout))
}

func (c *conn) readLoop(ctx context.Context) {
	pongWait := 2 * c.g.opts.HeartbeatInterval
	c.ws.SetReadLimit(maxInboundSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("dashboard connection read failed")
			}
			c.close(websocket.CloseNormalClosure, "")
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError("", apperr.Validation("invalid_message", "", "message is not valid JSON"))
			continue
		}
		if !c.limiter.Allow() {
			c.replyError(msg.RequestID, apperr.New(apperr.KindRateLimited, "rate_limited", "too many messages, slow down"))
			continue
		}
		c.handle(ctx, msg)
	}
}

// handle forwards inbound messages to the alert service, which publishes the
// resulting change back through the bus.
func (c *conn) handle(ctx context.Context, msg inbound) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.g.opts.WriteTimeout)
	defer cancel()

	var (
		result any
		err    error
	)
	switch msg.Type {
	case MessageAcknowledgeAlert:
		result, err = c.g.alerts.Acknowledge(ctx, c.tenantID, msg.AlertID, msg.By)
	case MessageCreateAlert:
		result, err = c.g.alerts.Create(ctx, c.tenantID, alert.CreateInput{
			TableID: msg.TableID,
			Kind:    msg.Kind,
			Message: msg.Message,
		})
	default:
		err = apperr.Validation("unknown_message_type", "type", "unsupported message type "+msg.Type)
	}
	if err != nil {
		c.replyError(msg.RequestID, err)
		return
	}
	_ = c.send(TopicAck, ackPayload{RequestID: msg.RequestID, Type: msg.Type, Result: result})
}

func (c *conn) replyError(requestID string, err error) {
	p := errorPayload{RequestID: requestID, Code: "internal", Error: "internal error"}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		p.Code = ae.Code
		p.Error = ae.Message
		p.Field = ae.Field
	} else {
		c.log.WithError(err).Error("inbound message failed")
	}
	_ = c.send(TopicError, p)
}

func (c *conn) send(topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.write(eventbus.Envelope{
		Topic:     topic,
		TenantID:  c.tenantID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
}

func (c *conn) write(env eventbus.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() == StateClosed {
		return websocket.ErrCloseSent
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.g.opts.WriteTimeout))
	if err := c.ws.WriteJSON(env); err != nil {
		go c.close(websocket.CloseAbnormalClosure, "")
		return err
	}
	return nil
}

// close releases the subscription and the socket. Every exit path funnels
// through here; only the first call has an effect.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		close(c.done)

		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = c.ws.Close()

		if dropped := c.queue.Dropped(); dropped > 0 {
			c.log.WithField("dropped", dropped).Warn("dashboard connection closed after dropping events")
		} else {
			c.log.Debug("dashboard connection closed")
		}
	})
}
