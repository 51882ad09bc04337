// Package ledger owns orders: it prices them, persists them and enforces the
// order status state machine.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/eventbus"
	"github.com/tableside/floor-core/internal/menu"
	"github.com/tableside/floor-core/internal/repository"
	"github.com/tableside/floor-core/internal/validate"
)

var (
	ErrOrderNotFound     = apperr.NotFound("order_not_found", "order not found")
	ErrInvalidTransition = apperr.Conflict("invalid_transition", "status transition not allowed")
	ErrOrderLocked       = apperr.Conflict("order_locked", "order can no longer be modified")
)

// TrendStable is the only trend reported until period comparison exists.
const TrendStable = "stable"

// PaymentGate answers whether an order holds an active payment.
type PaymentGate interface {
	HasActivePayment(ctx context.Context, tenantID, orderID string) (bool, error)
}

type TableDirectory interface {
	Get(ctx context.Context, tenantID, tableID string) (*domain.Table, error)
	Announce(ctx context.Context, t *domain.Table)
}

// OrderEvent is the payload of order.created and order.updated.
type OrderEvent struct {
	Order        *domain.Order `json:"order"`
	StoreVersion int64         `json:"storeVersion"`
}

type Filter struct {
	Status        domain.OrderStatus        `json:"status,omitempty"`
	PaymentStatus domain.OrderPaymentStatus `json:"paymentStatus,omitempty"`
	TableID       string                    `json:"tableId,omitempty"`
	Search        string                    `json:"search,omitempty"`
	Sort          string                    `json:"sort,omitempty"`
	Limit         int                       `json:"limit,omitempty"`
	Offset        int                       `json:"offset,omitempty"`
}

type Summary struct {
	repository.OrderSummary
	Trend string `json:"trend"`
}

type Ledger struct {
	store   *repository.Store
	catalog menu.Catalog
	tables  TableDirectory
	gate    PaymentGate
	bus     eventbus.Publisher
	log     *logrus.Logger
	locks   *keyedMutex
	now     func() time.Time
}

func New(store *repository.Store, catalog menu.Catalog, tables TableDirectory, gate PaymentGate, bus eventbus.Publisher, log *logrus.Logger) *Ledger {
	return &Ledger{
		store:   store,
		catalog: catalog,
		tables:  tables,
		gate:    gate,
		bus:     bus,
		log:     log,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
}

func (l *Ledger) CreateOrder(ctx context.Context, tenantID string, in CreateOrderInput) (*domain.Order, error) {
	if err := validate.Struct(ctx, in); err != nil {
		return nil, err
	}
	if err := checkItems(in.Items, "items"); err != nil {
		return nil, err
	}
	for i, d := range in.Discounts {
		if err := checkDiscount(d, fmt.Sprintf("discounts[%d]", i)); err != nil {
			return nil, err
		}
	}
	for i, t := range in.Taxes {
		if err := checkTax(t, fmt.Sprintf("taxes[%d]", i)); err != nil {
			return nil, err
		}
	}

	if _, err := l.tables.Get(ctx, tenantID, in.TableID); err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.Validation("table_not_found", "tableId", fmt.Sprintf("table %q does not exist", in.TableID))
		}
		return nil, err
	}

	now := l.now().UTC()
	items, err := l.resolveItems(ctx, tenantID, in.Items, "items", now)
	if err != nil {
		return nil, err
	}

	o := &domain.Order{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		TableID:       in.TableID,
		SessionID:     in.SessionID,
		Items:         items,
		Discounts:     make([]domain.Discount, 0, len(in.Discounts)),
		Taxes:         make([]domain.Tax, 0, len(in.Taxes)),
		Tip:           in.Tip,
		ServiceCharge: in.ServiceCharge,
		Status:        domain.OrderStatusOpen,
		PaymentStatus: domain.OrderPaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, d := range in.Discounts {
		o.Discounts = append(o.Discounts, toDiscount(d))
	}
	for _, t := range in.Taxes {
		o.Taxes = append(o.Taxes, toTax(t))
	}
	o.Reprice()

	var tableFlipped bool
	err = l.store.WithTx(ctx, func(tx *sql.Tx) error {
		v, err := l.store.Versions.Bump(ctx, tx, tenantID, now)
		if err != nil {
			return err
		}
		o.Version = v
		if err := l.store.Orders.Insert(ctx, tx, o); err != nil {
			return err
		}
		tableFlipped, err = l.store.Tables.SetStatus(ctx, tx, tenantID, o.TableID, domain.TableOccupied, now)
		return err
	})
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}

	l.log.WithContext(ctx).WithFields(logrus.Fields{
		"order_id": o.ID,
		"table_id": o.TableID,
		"total":    o.Total,
	}).Info("order created")

	l.publish(ctx, eventbus.TopicOrderCreated, o)
	if tableFlipped {
		l.announceTable(ctx, tenantID, o.TableID)
	}
	return o, nil
}

// AddItems appends corrections to an order that is not closed, not paid and
// has no payment in flight.
func (l *Ledger) AddItems(ctx context.Context, tenantID, orderID string, items []ItemInput) (*domain.Order, error) {
	if err := validate.Struct(ctx, addItemsInput{Items: items}); err != nil {
		return nil, err
	}
	if err := checkItems(items, "items"); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	resolved, err := l.resolveItems(ctx, tenantID, items, "items", now)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(tenantID + "/" + orderID)
	defer unlock()

	o, err := l.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.IsTerminal() || o.PaymentStatus == domain.OrderPaymentPaid {
		return nil, ErrOrderLocked.WithMessage("order is %s/%s", o.Status, o.PaymentStatus)
	}
	active, err := l.gate.HasActivePayment(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrOrderLocked.WithMessage("a payment is in progress for this order")
	}

	o.Items = append(o.Items, resolved...)
	o.Reprice()
	o.UpdatedAt = now

	err = l.store.WithTx(ctx, func(tx *sql.Tx) error {
		v, err := l.store.Versions.Bump(ctx, tx, tenantID, now)
		if err != nil {
			return err
		}
		o.Version = v
		return l.store.Orders.UpdateContents(ctx, tx, o, o.Status)
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil, ErrOrderLocked.WithMessage("order changed while adding items")
	}
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}

	l.publish(ctx, eventbus.TopicOrderUpdated, o)
	return o, nil
}

// TransitionStatus moves an order forward. Closing is refused while a payment
// is active, checked first through the gate and again inside the update.
func (l *Ledger) TransitionStatus(ctx context.Context, tenantID, orderID string, next domain.OrderStatus) (*domain.Order, error) {
	if !next.Valid() {
		return nil, apperr.Validation("invalid_field", "status", fmt.Sprintf("unknown status %q", next))
	}

	unlock := l.locks.Lock(tenantID + "/" + orderID)
	defer unlock()

	o, err := l.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Status.CanTransitionTo(next) {
		return nil, ErrInvalidTransition.WithMessage("cannot move order from %s to %s", o.Status, next)
	}

	closing := next == domain.OrderStatusClosed
	if closing {
		active, err := l.gate.HasActivePayment(ctx, tenantID, orderID)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, ErrInvalidTransition.WithMessage("order has an active payment")
		}
	}

	now := l.now().UTC()
	from := o.Status
	var tableFreed bool
	err = l.store.WithTx(ctx, func(tx *sql.Tx) error {
		v, err := l.store.Versions.Bump(ctx, tx, tenantID, now)
		if err != nil {
			return err
		}
		changed, err := l.store.Orders.UpdateStatus(ctx, tx, tenantID, orderID, from, next, v, now, closing)
		if err != nil {
			return err
		}
		if !changed {
			return repository.ErrConflict
		}
		o.Status, o.Version, o.UpdatedAt = next, v, now

		if !closing {
			return nil
		}
		open, err := l.store.Orders.CountOpenAtTable(ctx, tx, tenantID, o.TableID, o.ID)
		if err != nil {
			return err
		}
		if open == 0 {
			tableFreed, err = l.store.Tables.SetStatus(ctx, tx, tenantID, o.TableID, domain.TableFree, now)
		}
		return err
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil, ErrInvalidTransition.WithMessage("order changed or gained an active payment")
	}
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}

	l.log.WithContext(ctx).WithFields(logrus.Fields{
		"order_id": o.ID,
		"from":     from,
		"to":       next,
	}).Info("order status changed")

	l.publish(ctx, eventbus.TopicOrderUpdated, o)
	if tableFreed {
		l.announceTable(ctx, tenantID, o.TableID)
	}
	return o, nil
}

func (l *Ledger) GetOrder(ctx context.Context, tenantID, orderID string) (*domain.Order, error) {
	o, err := l.store.Orders.FindByID(ctx, nil, tenantID, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrOrderNotFound.WithMessage("order %q not found", orderID)
	}
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}
	return o, nil
}

func (l *Ledger) ListOrders(ctx context.Context, tenantID string, f Filter) ([]*domain.Order, error) {
	rf, err := f.toRepository(tenantID)
	if err != nil {
		return nil, err
	}
	orders, err := l.store.Orders.List(ctx, rf)
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}
	return orders, nil
}

// GetSummary aggregates over the same filter as ListOrders, ignoring paging.
func (l *Ledger) GetSummary(ctx context.Context, tenantID string, f Filter) (Summary, error) {
	rf, err := f.toRepository(tenantID)
	if err != nil {
		return Summary{}, err
	}
	s, err := l.store.Orders.Summary(ctx, rf)
	if err != nil {
		return Summary{}, apperr.Transient("storage_unavailable", err)
	}
	return Summary{OrderSummary: s, Trend: TrendStable}, nil
}

func (l *Ledger) StoreVersion(ctx context.Context, tenantID string) (repository.StoreVersion, error) {
	v, err := l.store.Versions.Get(ctx, tenantID)
	if err != nil {
		return repository.StoreVersion{}, apperr.Transient("storage_unavailable", err)
	}
	return v, nil
}

func (l *Ledger) resolveItems(ctx context.Context, tenantID string, in []ItemInput, prefix string, now time.Time) ([]domain.OrderItem, error) {
	items := make([]domain.OrderItem, 0, len(in))
	for i, it := range in {
		field := fmt.Sprintf("%s[%d].menuItemId", prefix, i)
		m, err := l.catalog.Resolve(ctx, tenantID, it.MenuItemID)
		if err != nil {
			if errors.Is(err, menu.ErrItemNotFound) {
				return nil, apperr.Validation("menu_item_unresolvable", field, fmt.Sprintf("menu item %q does not exist", it.MenuItemID))
			}
			return nil, err
		}
		if !m.Available {
			return nil, apperr.Validation("menu_item_unavailable", field, fmt.Sprintf("menu item %q is not available", it.MenuItemID))
		}

		item := domain.OrderItem{
			ID:         uuid.NewString(),
			MenuItemID: m.ID,
			Name:       m.Name,
			UnitPrice:  m.Price,
			Quantity:   it.Quantity,
			Note:       it.Note,
			AddedAt:    now,
		}
		for _, mod := range it.Modifiers {
			item.Modifiers = append(item.Modifiers, domain.Modifier{Name: mod.Name, Price: mod.Price})
		}
		if it.Discount != nil {
			d := toDiscount(*it.Discount)
			item.Discount = &d
		}
		items = append(items, item)
	}
	return items, nil
}

func (l *Ledger) publish(ctx context.Context, topic string, o *domain.Order) {
	if _, err := l.bus.Publish(topic, o.TenantID, OrderEvent{Order: o, StoreVersion: o.Version}); err != nil {
		l.log.WithContext(ctx).WithError(err).WithField("order_id", o.ID).Error("failed to publish order event")
	}
}

func (l *Ledger) announceTable(ctx context.Context, tenantID, tableID string) {
	t, err := l.tables.Get(ctx, tenantID, tableID)
	if err != nil {
		l.log.WithContext(ctx).WithError(err).WithField("table_id", tableID).Warn("table changed but could not be reloaded")
		return
	}
	l.tables.Announce(ctx, t)
}

func (f Filter) toRepository(tenantID string) (repository.OrderFilter, error) {
	if f.Status != "" && !f.Status.Valid() {
		return repository.OrderFilter{}, apperr.Validation("invalid_field", "status", fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.PaymentStatus != "" && !f.PaymentStatus.Valid() {
		return repository.OrderFilter{}, apperr.Validation("invalid_field", "paymentStatus", fmt.Sprintf("unknown payment status %q", f.PaymentStatus))
	}
	switch f.Sort {
	case "", repository.SortNewest, repository.SortOldest:
	default:
		return repository.OrderFilter{}, apperr.Validation("invalid_field", "sort", "must be one of [newest oldest]")
	}
	return repository.OrderFilter{
		TenantID:      tenantID,
		Status:        f.Status,
		PaymentStatus: f.PaymentStatus,
		TableID:       f.TableID,
		Search:        f.Search,
		Sort:          f.Sort,
		Limit:         f.Limit,
		Offset:        f.Offset,
	}, nil
}
