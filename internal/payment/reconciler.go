package payment

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/provider"
)

// Reconciler is the background side of the coordinator: it expires
// checkouts past their deadline, frees reservations that never reached the
// provider and polls providers that support it.
type Reconciler struct {
	coord      *Coordinator
	interval   time.Duration
	staleAfter time.Duration
	batch      int
	log        *logrus.Logger
}

func NewReconciler(coord *Coordinator, interval time.Duration, log *logrus.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		coord:      coord,
		interval:   interval,
		staleAfter: 2*coord.opts.Timeout + time.Minute,
		batch:      100,
		log:        log,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one reconciliation pass.
func (r *Reconciler) Tick(ctx context.Context) {
	r.expireCheckouts(ctx)
	r.releaseStale(ctx)
	r.pollProviders(ctx)
}

func (r *Reconciler) expireCheckouts(ctx context.Context) {
	expired, err := r.coord.store.Payments.ListExpired(ctx, r.coord.now().UTC(), r.batch)
	if err != nil {
		r.log.WithContext(ctx).WithError(err).Error("failed to list expired payments")
		return
	}
	for _, p := range expired {
		if _, err := r.coord.settle(ctx, p, domain.PaymentExpired, p.ProviderPayload, "checkout expired"); err != nil {
			r.log.WithContext(ctx).WithError(err).WithField("payment_id", p.ID).Warn("failed to expire payment")
		}
	}
}

func (r *Reconciler) releaseStale(ctx context.Context) {
	stale, err := r.coord.store.Payments.ListUnattached(ctx, r.coord.now().UTC().Add(-r.staleAfter), r.batch)
	if err != nil {
		r.log.WithContext(ctx).WithError(err).Error("failed to list stale reservations")
		return
	}
	for _, p := range stale {
		r.log.WithContext(ctx).WithFields(logrus.Fields{
			"payment_id": p.ID,
			"order_id":   p.OrderID,
			"created_at": p.CreatedAt,
		}).Warn("releasing payment reservation that never reached the provider")
		r.coord.release(ctx, p)
	}
}

func (r *Reconciler) pollProviders(ctx context.Context) {
	for name, prov := range r.coord.providers {
		fetcher, ok := prov.(provider.StatusFetcher)
		if !ok {
			continue
		}
		pending, err := r.coord.store.Payments.ListPending(ctx, name, r.batch)
		if err != nil {
			r.log.WithContext(ctx).WithError(err).WithField("provider", name).Error("failed to list pending payments")
			continue
		}
		for _, p := range pending {
			r.poll(ctx, fetcher, p)
		}
	}
}

func (r *Reconciler) poll(ctx context.Context, fetcher provider.StatusFetcher, p *domain.Payment) {
	callCtx, cancel := context.WithTimeout(ctx, r.coord.opts.Timeout)
	defer cancel()

	cb, err := fetcher.FetchStatus(callCtx, p.ExternalReference)
	if err != nil {
		entry := r.log.WithContext(ctx).WithError(err).WithField("payment_id", p.ID)
		if errors.Is(err, provider.ErrUnknownReference) {
			entry.Warn("provider does not know a pending payment")
			return
		}
		entry.Debug("status poll failed")
		return
	}
	if cb.Status == domain.PaymentPending {
		return
	}
	if _, err := r.coord.reconcile(ctx, cb); err != nil {
		r.log.WithContext(ctx).WithError(err).WithField("payment_id", p.ID).Warn("failed to reconcile polled status")
	}
}
