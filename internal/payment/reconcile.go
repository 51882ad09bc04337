package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/alert"
	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/eventbus"
	"github.com/tableside/floor-core/internal/ledger"
	"github.com/tableside/floor-core/internal/provider"
	"github.com/tableside/floor-core/internal/repository"
)

// Reconcile applies a provider status to the payment with that reference.
// Repeating a final status is a no-op; a different final status is refused.
func (c *Coordinator) Reconcile(ctx context.Context, externalReference string, status domain.PaymentStatus, payload json.RawMessage) (*domain.Payment, error) {
	return c.reconcile(ctx, provider.Callback{
		ExternalReference: externalReference,
		Status:            status,
		Payload:           payload,
	})
}

func (c *Coordinator) reconcile(ctx context.Context, cb provider.Callback) (*domain.Payment, error) {
	if !cb.Status.Valid() {
		return nil, apperr.Validation("invalid_field", "status", fmt.Sprintf("unknown payment status %q", cb.Status))
	}

	p, err := c.store.Payments.FindByExternalReference(ctx, nil, cb.ExternalReference)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPaymentNotFound.WithMessage("no payment with reference %q", cb.ExternalReference)
	}
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}

	if cb.Status == domain.PaymentPending {
		return p, nil
	}
	if p.Status.IsTerminal() {
		return c.sameTerminal(ctx, p, cb.Status)
	}
	return c.settle(ctx, p, cb.Status, cb.Payload, cb.Reason)
}

// settle moves a pending payment to a final status. Approval marks the order
// paid in the same transaction. Only the caller that wins the status
// compare-and-set publishes, payment first, then the order.
func (c *Coordinator) settle(ctx context.Context, p *domain.Payment, status domain.PaymentStatus, payload json.RawMessage, reason string) (*domain.Payment, error) {
	now := c.now().UTC()

	var (
		won   bool
		order *domain.Order
	)
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		changed, err := c.store.Payments.Resolve(ctx, tx, p.ID, status, payload, reason, now)
		if err != nil || !changed {
			return err
		}
		won = true
		if status != domain.PaymentApproved {
			return nil
		}

		version, err := c.store.Versions.Bump(ctx, tx, p.TenantID, now)
		if err != nil {
			return err
		}
		paid, err := c.store.Orders.MarkPaid(ctx, tx, p.TenantID, p.OrderID, version, now)
		if err != nil {
			return err
		}
		if !paid {
			return errOrderAlreadyPaid
		}
		order, err = c.store.Orders.FindByID(ctx, tx, p.TenantID, p.OrderID)
		return err
	})
	if errors.Is(err, errOrderAlreadyPaid) {
		c.anomaly(ctx, p, "approval for an order that is already paid", logrus.Fields{"status": status})
		return nil, ErrOrderAlreadyPaid
	}
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}

	if !won {
		current, err := c.GetPayment(ctx, p.TenantID, p.ID)
		if err != nil {
			return nil, err
		}
		return c.sameTerminal(ctx, current, status)
	}

	p.Status = status
	p.ProviderPayload = payload
	p.FailureReason = reason
	p.UpdatedAt = now
	p.ResolvedAt = &now

	c.log.WithContext(ctx).WithFields(logrus.Fields{
		"payment_id": p.ID,
		"order_id":   p.OrderID,
		"status":     status,
	}).Info("payment resolved")

	c.publishPayment(ctx, p)
	if order != nil {
		if _, err := c.bus.Publish(eventbus.TopicOrderUpdated, order.TenantID, ledger.OrderEvent{Order: order, StoreVersion: order.Version}); err != nil {
			c.log.WithContext(ctx).WithError(err).WithField("order_id", order.ID).Error("failed to publish order event")
		}
	}
	return p, nil
}

func (c *Coordinator) sameTerminal(ctx context.Context, p *domain.Payment, status domain.PaymentStatus) (*domain.Payment, error) {
	if p.Status == status {
		return p, nil
	}
	c.anomaly(ctx, p, "conflicting final status ignored", logrus.Fields{"requested_status": status})
	return nil, ErrAlreadyTerminal.WithMessage("payment is already %s", p.Status)
}

func (c *Coordinator) anomaly(ctx context.Context, p *domain.Payment, msg string, fields logrus.Fields) {
	c.log.WithContext(ctx).WithFields(fields).WithFields(logrus.Fields{
		"payment_id":         p.ID,
		"order_id":           p.OrderID,
		"external_reference": p.ExternalReference,
		"current_status":     p.Status,
	}).Warn(msg)
}

// HandleCallback processes a provider webhook. Anything the provider cannot
// fix by redelivering is answered as handled: unknown references are logged
// and raised as alerts, conflicting statuses are logged.
func (c *Coordinator) HandleCallback(ctx context.Context, providerName string, r *http.Request) error {
	prov, ok := c.providers[providerName]
	if !ok {
		return ErrUnknownProvider.WithMessage("payment provider %q is not configured", providerName)
	}

	cb, err := prov.ParseCallback(r)
	if err != nil {
		c.log.WithContext(ctx).WithError(err).WithField("provider", providerName).Warn("rejected payment callback")
		return ErrInvalidCallback.Wrap(err)
	}

	_, err = c.reconcile(ctx, cb)
	if errors.Is(err, ErrPaymentNotFound) {
		// the checkout handle may not be stored yet, look once more
		select {
		case <-time.After(c.opts.LookupRetryDelay):
		case <-ctx.Done():
			return apperr.Transient("callback_cancelled", ctx.Err())
		}
		_, err = c.reconcile(ctx, cb)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPaymentNotFound):
		c.unknownReference(ctx, providerName, cb)
		return nil
	case errors.Is(err, ErrAlreadyTerminal), errors.Is(err, ErrOrderAlreadyPaid):
		return nil
	default:
		return err
	}
}

func (c *Coordinator) unknownReference(ctx context.Context, providerName string, cb provider.Callback) {
	entry := c.log.WithContext(ctx).WithFields(logrus.Fields{
		"provider":           providerName,
		"external_reference": cb.ExternalReference,
		"status":             cb.Status,
		"tenant_id":          cb.TenantID,
	})
	entry.Warn("payment callback for unknown reference")

	if cb.TenantID == "" || c.alerts == nil {
		return
	}
	_, err := c.alerts.Create(ctx, cb.TenantID, alert.CreateInput{
		Kind:    alert.KindUnknownReference,
		Message: truncate(fmt.Sprintf("%s callback for unknown reference %s (%s)", providerName, cb.ExternalReference, cb.Status), 280),
	})
	if err != nil {
		entry.WithError(err).Error("failed to raise alert for unknown payment reference")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
