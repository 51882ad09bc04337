package http

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/ledger"
	"github.com/tableside/floor-core/internal/repository"
)

var (
	errTableMismatch = apperr.Validation("table_mismatch", "tableId", "session is bound to another table")
	errOrderNotFound = apperr.NotFound("order_not_found", "order not found")
)

type OrdersHandler struct {
	orders   OrderService
	sessions SessionService
	log      *logrus.Logger
}

func NewOrdersHandler(orders OrderService, sessions SessionService, log *logrus.Logger) *OrdersHandler {
	return &OrdersHandler{orders: orders, sessions: sessions, log: log}
}

type AddItemsRequestDTO struct {
	Items []ledger.ItemInput `json:"items"`
}

type TransitionRequestDTO struct {
	Status domain.OrderStatus `json:"status"`
}

type OrderListResponseDTO struct {
	Orders  []*domain.Order         `json:"orders"`
	Summary ledger.Summary          `json:"summary"`
	Version repository.StoreVersion `json:"version"`
}

// POST /api/v1/orders
func (h *OrdersHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in ledger.CreateOrderInput
	if !decodeJSON(w, r, h.log, &in) {
		return
	}

	sess := sessionFrom(ctx)
	if sess != nil {
		if in.TableID == "" {
			in.TableID = sess.TableID
		}
		if in.TableID != sess.TableID {
			respondError(w, r, h.log, errTableMismatch)
			return
		}
		in.SessionID = sess.ID
	}

	o, err := h.orders.CreateOrder(ctx, tenantFrom(ctx), in)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}

	if sess != nil {
		// the order stands even if the session bookkeeping fails
		if _, err := h.sessions.RecordOrder(ctx, sess.ID, o.ID); err != nil {
			h.log.WithContext(ctx).WithError(err).WithFields(logrus.Fields{
				"session_id": sess.ID,
				"order_id":   o.ID,
			}).Warn("failed to record order in session")
		}
	}
	respondJSON(w, http.StatusCreated, o)
}

// GET /api/v1/orders/{order_id}
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "order_id")
	if !h.ownsOrder(r, orderID) {
		respondError(w, r, h.log, errOrderNotFound)
		return
	}

	o, err := h.orders.GetOrder(ctx, tenantFrom(ctx), orderID)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

// POST /api/v1/orders/{order_id}/items
func (h *OrdersHandler) AddItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "order_id")
	if !h.ownsOrder(r, orderID) {
		respondError(w, r, h.log, errOrderNotFound)
		return
	}

	var req AddItemsRequestDTO
	if !decodeJSON(w, r, h.log, &req) {
		return
	}

	o, err := h.orders.AddItems(ctx, tenantFrom(ctx), orderID, req.Items)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

// PATCH /api/v1/orders/{order_id}/status
func (h *OrdersHandler) TransitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TransitionRequestDTO
	if !decodeJSON(w, r, h.log, &req) {
		return
	}

	o, err := h.orders.TransitionStatus(ctx, tenantFrom(ctx), chi.URLParam(r, "order_id"), req.Status)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

// GET /api/v1/orders
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantFrom(ctx)

	f, err := orderFilter(r)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}

	orders, err := h.orders.ListOrders(ctx, tenantID, f)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	summary, err := h.orders.GetSummary(ctx, tenantID, f)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	version, err := h.orders.StoreVersion(ctx, tenantID)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}

	if orders == nil {
		orders = []*domain.Order{}
	}
	respondJSON(w, http.StatusOK, OrderListResponseDTO{Orders: orders, Summary: summary, Version: version})
}

// ownsOrder is true for staff and for the session that placed the order.
func (h *OrdersHandler) ownsOrder(r *http.Request, orderID string) bool {
	sess := sessionFrom(r.Context())
	return sess == nil || slices.Contains(sess.OrderIDs, orderID)
}

func orderFilter(r *http.Request) (ledger.Filter, error) {
	qs := r.URL.Query()
	limit, offset, err := paging(r)
	if err != nil {
		return ledger.Filter{}, err
	}
	return ledger.Filter{
		Status:        domain.OrderStatus(qs.Get("status")),
		PaymentStatus: domain.OrderPaymentStatus(qs.Get("paymentStatus")),
		TableID:       qs.Get("tableId"),
		Search:        qs.Get("search"),
		Sort:          qs.Get("sort"),
		Limit:         limit,
		Offset:        offset,
	}, nil
}

func paging(r *http.Request) (limit, offset int, err error) {
	qs := r.URL.Query()
	if v := qs.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return 0, 0, apperr.Validation("invalid_field", "limit", "must be a non-negative integer")
		}
	}
	if v := qs.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, apperr.Validation("invalid_field", "offset", "must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
