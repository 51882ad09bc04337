// Package http is the REST and websocket surface of the floor core.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/config"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/ledger"
	"github.com/tableside/floor-core/internal/payment"
	"github.com/tableside/floor-core/internal/repository"
	"github.com/tableside/floor-core/internal/session"
)

type SessionService interface {
	ValidateOrCreate(ctx context.Context, token string, cc session.ClientContext) (*domain.Session, error)
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	RecordOrder(ctx context.Context, sessionID, orderID string) (*domain.Session, error)
}

type OrderService interface {
	CreateOrder(ctx context.Context, tenantID string, in ledger.CreateOrderInput) (*domain.Order, error)
	AddItems(ctx context.Context, tenantID, orderID string, items []ledger.ItemInput) (*domain.Order, error)
	TransitionStatus(ctx context.Context, tenantID, orderID string, next domain.OrderStatus) (*domain.Order, error)
	GetOrder(ctx context.Context, tenantID, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, tenantID string, f ledger.Filter) ([]*domain.Order, error)
	GetSummary(ctx context.Context, tenantID string, f ledger.Filter) (ledger.Summary, error)
	StoreVersion(ctx context.Context, tenantID string) (repository.StoreVersion, error)
}

type PaymentService interface {
	CreatePayment(ctx context.Context, tenantID string, in payment.CreateInput) (*domain.Payment, error)
	GetPayment(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error)
	Cancel(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error)
	ListPayments(ctx context.Context, tenantID string, f payment.Filter) ([]*domain.Payment, error)
	GetSummary(ctx context.Context, tenantID string, f payment.Filter) (payment.Summary, error)
	HandleCallback(ctx context.Context, providerName string, r *http.Request) error
}

type TableService interface {
	Layout(ctx context.Context, tenantID string) ([]*domain.Table, error)
	SetStatus(ctx context.Context, tenantID, tableID string, status domain.TableStatus) (*domain.Table, error)
}

type RealtimeService interface {
	Serve(w http.ResponseWriter, r *http.Request, tenantID string)
}

// HealthCheck reports the state of one dependency.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Sessions SessionService
	Orders   OrderService
	Payments PaymentService
	Tables   TableService
	Realtime RealtimeService
	Checks   map[string]HealthCheck
	Log      *logrus.Logger
}

func NewRouter(d Deps, httpCfg config.HTTPConfig, corsCfg config.CORSConfig) http.Handler {
	log := d.Log
	sessions := NewSessionsHandler(d.Sessions, log)
	orders := NewOrdersHandler(d.Orders, d.Sessions, log)
	payments := NewPaymentsHandler(d.Payments, log)
	tables := NewTablesHandler(d.Tables, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(newCORS(corsCfg))

	r.Get("/health", healthHandler(d.Checks, log))

	r.Route("/api/v1", func(r chi.Router) {
		// long lived, so outside the request timeout
		r.With(identify(d.Sessions, log), staffOnly(log)).Get("/realtime", func(w http.ResponseWriter, r *http.Request) {
			d.Realtime.Serve(w, r, tenantFrom(r.Context()))
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(httpCfg.RequestTimeout))
			r.Use(bodyLimit(httpCfg.MaxRequestBodySize))

			r.Post("/sessions", sessions.Redeem)
			r.Post("/webhooks/payments/{provider}", payments.Webhook)

			r.Group(func(r chi.Router) {
				r.Use(identify(d.Sessions, log))

				r.Post("/orders", orders.CreateOrder)
				r.Get("/orders/{order_id}", orders.GetOrder)
				r.Post("/orders/{order_id}/items", orders.AddItems)
				r.Post("/payments", payments.CreatePayment)
				r.Get("/payments/{payment_id}", payments.GetPayment)
				r.Get("/tables", tables.Layout)

				r.Group(func(r chi.Router) {
					r.Use(staffOnly(log))
					r.Get("/orders", orders.ListOrders)
					r.Patch("/orders/{order_id}/status", orders.TransitionStatus)
					r.Get("/payments", payments.ListPayments)
					r.Post("/payments/{payment_id}/cancel", payments.Cancel)
					r.Patch("/tables/{table_id}/status", tables.SetStatus)
				})
			})
		})
	})
	return r
}

func healthHandler(checks map[string]HealthCheck, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		result := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				log.WithContext(ctx).WithError(err).WithField("dependency", name).Warn("health check failed")
				result[name] = "unavailable"
				result["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			result[name] = "ok"
		}
		respondJSON(w, status, result)
	}
}
