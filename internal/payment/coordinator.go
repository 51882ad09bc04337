// Package payment coordinates checkouts with external providers and keeps
// at most one active payment per order.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/tableside/floor-core/internal/alert"
	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/config"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/eventbus"
	"github.com/tableside/floor-core/internal/provider"
	"github.com/tableside/floor-core/internal/repository"
	"github.com/tableside/floor-core/internal/validate"
)

// AlertRaiser receives anomalies that need a human, such as callbacks for
// unknown references.
type AlertRaiser interface {
	Create(ctx context.Context, tenantID string, in alert.CreateInput) (*domain.Alert, error)
}

type Options struct {
	DefaultProvider string
	Currency        string
	Timeout         time.Duration
	ReturnURL       string
	FailureURL      string
	Breaker         config.BreakerConfig
	// LookupRetryDelay is how long an unknown callback reference waits before
	// its single second lookup.
	LookupRetryDelay time.Duration
}

type CreateInput struct {
	OrderID string `json:"orderId" validate:"required,max=64"`
	// Amount defaults to the order total and must match it when set.
	Amount   int64             `json:"amount" validate:"gte=0"`
	Provider string            `json:"provider" validate:"max=32"`
	Metadata map[string]string `json:"metadata" validate:"max=20"`
}

type Coordinator struct {
	store     *repository.Store
	providers map[string]provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker[provider.Checkout]
	alerts    AlertRaiser
	bus       eventbus.Publisher
	log       *logrus.Logger
	opts      Options
	now       func() time.Time

	// beforeReserve runs between the order read and the reservation.
	beforeReserve func(ctx context.Context)
}

func New(store *repository.Store, providers []provider.Provider, alerts AlertRaiser, bus eventbus.Publisher, opts Options, log *logrus.Logger) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.LookupRetryDelay <= 0 {
		opts.LookupRetryDelay = 250 * time.Millisecond
	}
	if opts.DefaultProvider == "" && len(providers) > 0 {
		opts.DefaultProvider = providers[0].Name()
	}

	c := &Coordinator{
		store:     store,
		providers: make(map[string]provider.Provider, len(providers)),
		breakers:  make(map[string]*gobreaker.CircuitBreaker[provider.Checkout], len(providers)),
		alerts:    alerts,
		bus:       bus,
		log:       log,
		opts:      opts,
		now:       time.Now,
	}
	for _, p := range providers {
		c.providers[p.Name()] = p
		c.breakers[p.Name()] = newBreaker(p.Name(), opts.Breaker, log)
	}
	return c
}

func newBreaker(name string, cfg config.BreakerConfig, log *logrus.Logger) *gobreaker.CircuitBreaker[provider.Checkout] {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker[provider.Checkout](gobreaker.Settings{
		Name:        "payment-provider-" + name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("payment provider breaker changed state")
		},
	})
}

func (c *Coordinator) lookupProvider(name string) (provider.Provider, error) {
	if name == "" {
		name = c.opts.DefaultProvider
	}
	p, ok := c.providers[name]
	if !ok {
		return nil, ErrUnknownProvider.WithMessage("payment provider %q is not configured", name)
	}
	return p, nil
}

// CreatePayment reserves the order's payment slot, then asks the provider for
// a checkout. A provider failure releases the slot again.
func (c *Coordinator) CreatePayment(ctx context.Context, tenantID string, in CreateInput) (*domain.Payment, error) {
	if err := validate.Struct(ctx, in); err != nil {
		return nil, err
	}
	prov, err := c.lookupProvider(in.Provider)
	if err != nil {
		return nil, err
	}

	order, err := c.payableOrder(ctx, tenantID, in.OrderID)
	if err != nil {
		return nil, err
	}
	amount := in.Amount
	if amount == 0 {
		amount = order.Total
	}
	if amount != order.Total {
		return nil, apperr.Validation("amount_mismatch", "amount",
			fmt.Sprintf("amount %d does not match the order total %d", amount, order.Total))
	}

	now := c.now().UTC()
	p := &domain.Payment{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		OrderID:   order.ID,
		Provider:  prov.Name(),
		Amount:    amount,
		Currency:  c.opts.Currency,
		Status:    domain.PaymentPending,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.beforeReserve != nil {
		c.beforeReserve(ctx)
	}
	if err := c.store.Payments.Reserve(ctx, nil, p); err != nil {
		if errors.Is(err, repository.ErrActivePayment) {
			return nil, ErrPaymentInProgress
		}
		return nil, apperr.Transient("storage_unavailable", err)
	}

	// the order may have been closed, paid or had items added between the
	// read and the reservation; the pending row blocks further changes
	current, err := c.payableOrder(ctx, tenantID, in.OrderID)
	if err != nil {
		c.release(ctx, p)
		return nil, err
	}
	if current.Total != amount {
		c.release(ctx, p)
		c.log.WithContext(ctx).WithFields(logrus.Fields{
			"order_id": p.OrderID,
			"amount":   amount,
			"total":    current.Total,
		}).Warn("order total changed before the payment was reserved")
		return nil, ErrOrderChanged.WithMessage("order total is now %d, payment was for %d", current.Total, amount)
	}

	checkout, err := c.checkout(ctx, prov, p)
	if err != nil {
		c.release(ctx, p)
		c.log.WithContext(ctx).WithError(err).WithFields(logrus.Fields{
			"order_id":   p.OrderID,
			"payment_id": p.ID,
			"provider":   p.Provider,
		}).Error("checkout creation failed")
		return nil, ErrProviderUnavailable.Wrap(err)
	}

	p.ExternalReference = checkout.ExternalID
	p.CheckoutURL = checkout.CheckoutURL
	p.ExpiresAt = checkout.ExpiresAt
	p.ProviderPayload = checkout.Payload
	p.UpdatedAt = c.now().UTC()
	if err := c.store.Payments.AttachCheckout(ctx, nil, p); err != nil {
		c.release(ctx, p)
		return nil, apperr.Transient("storage_unavailable", err)
	}

	c.log.WithContext(ctx).WithFields(logrus.Fields{
		"order_id":           p.OrderID,
		"payment_id":         p.ID,
		"external_reference": p.ExternalReference,
		"amount":             p.Amount,
	}).Info("payment created")

	c.publishPayment(ctx, p)
	return p, nil
}

func (c *Coordinator) payableOrder(ctx context.Context, tenantID, orderID string) (*domain.Order, error) {
	order, err := c.store.Orders.FindByID(ctx, nil, tenantID, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrOrderNotFound.WithMessage("order %q not found", orderID)
	}
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}
	if order.Status.IsTerminal() || order.PaymentStatus == domain.OrderPaymentPaid {
		return nil, ErrOrderNotPayable.WithMessage("order is %s/%s", order.Status, order.PaymentStatus)
	}
	return order, nil
}

func (c *Coordinator) checkout(ctx context.Context, prov provider.Provider, p *domain.Payment) (provider.Checkout, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req := provider.CheckoutRequest{
		PaymentID:  p.ID,
		TenantID:   p.TenantID,
		OrderID:    p.OrderID,
		Amount:     p.Amount,
		Currency:   p.Currency,
		ReturnURL:  c.opts.ReturnURL,
		FailureURL: c.opts.FailureURL,
		Metadata:   p.Metadata,
	}
	return c.breakers[prov.Name()].Execute(func() (provider.Checkout, error) {
		return prov.CreateCheckout(callCtx, req)
	})
}

// release gives the payment slot back; it must run even if the request was cancelled.
func (c *Coordinator) release(ctx context.Context, p *domain.Payment) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.store.Payments.Release(releaseCtx, nil, p.TenantID, p.ID); err != nil {
		c.log.WithContext(ctx).WithError(err).WithField("payment_id", p.ID).Error("failed to release payment reservation")
	}
}

func (c *Coordinator) HasActivePayment(ctx context.Context, tenantID, orderID string) (bool, error) {
	active, err := c.store.Payments.HasPending(ctx, nil, tenantID, orderID)
	if err != nil {
		return false, apperr.Transient("storage_unavailable", err)
	}
	return active, nil
}

func (c *Coordinator) GetPayment(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error) {
	p, err := c.store.Payments.FindByID(ctx, nil, tenantID, paymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPaymentNotFound.WithMessage("payment %q not found", paymentID)
	}
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}
	return p, nil
}

// Cancel is the staff action that abandons a pending checkout.
func (c *Coordinator) Cancel(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error) {
	p, err := c.GetPayment(ctx, tenantID, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return c.sameTerminal(ctx, p, domain.PaymentCancelled)
	}
	if p.ExternalReference == "" {
		return nil, ErrPaymentInProgress.WithMessage("checkout is still being created")
	}
	return c.settle(ctx, p, domain.PaymentCancelled, p.ProviderPayload, "cancelled by staff")
}

func (c *Coordinator) publishPayment(ctx context.Context, p *domain.Payment) {
	if _, err := c.bus.Publish(eventbus.TopicPayment, p.TenantID, p); err != nil {
		c.log.WithContext(ctx).WithError(err).WithField("payment_id", p.ID).Error("failed to publish payment event")
	}
}
