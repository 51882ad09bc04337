// Package realtime bridges the event bus to dashboard websocket connections.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/alert"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/eventbus"
	"github.com/tableside/floor-core/internal/ledger"
	"github.com/tableside/floor-core/internal/repository"
)

// Bus is the part of the event bus the gateway reads from.
type Bus interface {
	SubscribeMany(topics []string, fn eventbus.Handler) (unsubscribe func())
	DrainAllHistory() []eventbus.Envelope
}

type OrderReader interface {
	GetSummary(ctx context.Context, tenantID string, f ledger.Filter) (ledger.Summary, error)
	StoreVersion(ctx context.Context, tenantID string) (repository.StoreVersion, error)
}

type TableReader interface {
	Layout(ctx context.Context, tenantID string) ([]*domain.Table, error)
}

// AlertService is both a snapshot source and the target of inbound messages.
type AlertService interface {
	ListActive(ctx context.Context, tenantID string) ([]*domain.Alert, error)
	Create(ctx context.Context, tenantID string, in alert.CreateInput) (*domain.Alert, error)
	Acknowledge(ctx context.Context, tenantID, alertID, by string) (*domain.Alert, error)
}

type Options struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	InboundRate       float64
	InboundBurst      int
	SnapshotTimeout   time.Duration
	// CheckOrigin decides which browser origins may connect. Nil keeps the
	// same-origin default.
	CheckOrigin func(r *http.Request) bool
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.InboundRate <= 0 {
		o.InboundRate = 5
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = 10
	}
	if o.SnapshotTimeout <= 0 {
		o.SnapshotTimeout = 3 * time.Second
	}
}

type Gateway struct {
	bus      Bus
	orders   OrderReader
	tables   TableReader
	alerts   AlertService
	opts     Options
	upgrader websocket.Upgrader
	log      *logrus.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

func NewGateway(bus Bus, orders OrderReader, tables TableReader, alerts AlertService, opts Options, log *logrus.Logger) *Gateway {
	opts.setDefaults()
	return &Gateway{
		bus:    bus,
		orders: orders,
		tables: tables,
		alerts: alerts,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		log:   log,
		conns: make(map[string]*conn),
	}
}

// Serve upgrades the request and runs the connection until either side
// closes it.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, tenantID string) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered with an HTTP error
		g.log.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := newConn(g, ws, uuid.NewString(), tenantID)
	c.subscribe()
	g.track(c)
	defer g.untrack(c)

	c.run(r.Context())
}

// Connections is the number of open dashboard connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown closes every open connection.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (g *Gateway) track(c *conn) {
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
}

func (g *Gateway) untrack(c *conn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
}
