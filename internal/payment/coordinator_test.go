package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tableside/floor-core/internal/alert"
	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/config"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/eventbus"
	"github.com/tableside/floor-core/internal/ledger"
	"github.com/tableside/floor-core/internal/logger"
	"github.com/tableside/floor-core/internal/provider"
	"github.com/tableside/floor-core/internal/repository"
	"github.com/tableside/floor-core/internal/repository/repotest"
)

type stubProvider struct {
	err    error
	delay  time.Duration
	status domain.PaymentStatus
	calls  atomic.Int32
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) CreateCheckout(ctx context.Context, req provider.CheckoutRequest) (provider.Checkout, error) {
	s.calls.Add(1)
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return provider.Checkout{}, ctx.Err()
	}
	if s.err != nil {
		return provider.Checkout{}, s.err
	}
	return provider.Checkout{ExternalID: "stub_" + req.PaymentID, CheckoutURL: "https://stub.example/" + req.PaymentID}, nil
}

func (s *stubProvider) ParseCallback(*http.Request) (provider.Callback, error) {
	return provider.Callback{}, provider.ErrInvalidCallback
}

func (s *stubProvider) FetchStatus(_ context.Context, externalID string) (provider.Callback, error) {
	return provider.Callback{ExternalReference: externalID, Status: s.status}, nil
}

type fixture struct {
	coord  *Coordinator
	store  *repository.Store
	bus    *eventbus.Bus
	alerts *alert.Service
	order  *domain.Order
}

func setup(t *testing.T, opts Options, providers ...provider.Provider) *fixture {
	t.Helper()
	store := repotest.NewStore(t)
	repotest.SeedTable(t, store, "t1", "T7")
	order := repotest.SeedOrder(t, store, "t1", "T7", domain.OrderStatusOpen)

	if len(providers) == 0 {
		providers = []provider.Provider{provider.NewSandbox(provider.SandboxOptions{BaseURL: "http://localhost"})}
	}
	if opts.Currency == "" {
		opts.Currency = "ARS"
	}
	if opts.LookupRetryDelay == 0 {
		opts.LookupRetryDelay = time.Millisecond
	}

	bus := eventbus.New(100)
	log := logger.Discard()
	alerts := alert.NewService(store.Alerts, bus, log)
	return &fixture{
		coord:  New(store, providers, alerts, bus, opts, log),
		store:  store,
		bus:    bus,
		alerts: alerts,
		order:  order,
	}
}

func (f *fixture) pay(t *testing.T) *domain.Payment {
	t.Helper()
	p, err := f.coord.CreatePayment(context.Background(), "t1", CreateInput{OrderID: f.order.ID})
	require.NoError(t, err)
	return p
}

func TestCreatePayment_ReservesAndPublishes(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	p, err := f.coord.CreatePayment(ctx, "t1", CreateInput{OrderID: f.order.ID, Amount: 3600, Metadata: map[string]string{"table": "T7"}})
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentPending, p.Status)
	assert.Equal(t, "sbx_"+p.ID, p.ExternalReference)
	assert.NotEmpty(t, p.CheckoutURL)
	assert.Equal(t, int64(3600), p.Amount)
	assert.Equal(t, "ARS", p.Currency)

	active, err := f.coord.HasActivePayment(ctx, "t1", f.order.ID)
	require.NoError(t, err)
	assert.True(t, active)

	events := f.bus.History(eventbus.TopicPayment)
	require.Len(t, events, 1)
	var published domain.Payment
	require.NoError(t, json.Unmarshal(events[0].Payload, &published))
	assert.Equal(t, p.ID, published.ID)

	stored, err := f.coord.GetPayment(ctx, "t1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ExternalReference, stored.ExternalReference)
	assert.Equal(t, "T7", stored.Metadata["table"])
}

func TestCreatePayment_ConcurrentAttemptsOneWins(t *testing.T) {
	f := setup(t, Options{})

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.CreatePayment(context.Background(), "t1", CreateInput{OrderID: f.order.ID, Amount: 3600})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrPaymentInProgress)
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	}
	assert.Equal(t, 1, succeeded)

	pending, err := f.coord.ListPayments(context.Background(), "t1", Filter{OrderID: f.order.ID, Status: domain.PaymentPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCreatePayment_ProviderFailureReleasesSlot(t *testing.T) {
	failing := &stubProvider{err: provider.ErrUnavailable}
	f := setup(t, Options{}, failing, provider.NewSandbox(provider.SandboxOptions{}))
	ctx := context.Background()

	_, err := f.coord.CreatePayment(ctx, "t1", CreateInput{OrderID: f.order.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.True(t, apperr.Destruct(err).Retryable())

	active, err := f.coord.HasActivePayment(ctx, "t1", f.order.ID)
	require.NoError(t, err)
	assert.False(t, active, "a failed checkout must not leave the slot taken")
	assert.Empty(t, f.bus.History(eventbus.TopicPayment))

	p, err := f.coord.CreatePayment(ctx, "t1", CreateInput{OrderID: f.order.ID, Provider: provider.SandboxName})
	require.NoError(t, err, "retrying after a provider failure succeeds")
	assert.Equal(t, domain.PaymentPending, p.Status)
}

func TestCreatePayment_ProviderTimeout(t *testing.T) {
	slow := &stubProvider{delay: time.Second}
	f := setup(t, Options{Timeout: 20 * time.Millisecond}, slow)

	start := time.Now()
	_, err := f.coord.CreatePayment(context.Background(), "t1", CreateInput{OrderID: f.order.ID})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	active, err := f.coord.HasActivePayment(context.Background(), "t1", f.order.ID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestCreatePayment_BreakerOpensAfterFailures(t *testing.T) {
	failing := &stubProvider{err: provider.ErrUnavailable}
	f := setup(t, Options{Breaker: config.BreakerConfig{FailureThreshold: 2, Timeout: time.Minute}}, failing)

	for i := 0; i < 4; i++ {
		_, err := f.coord.CreatePayment(context.Background(), "t1", CreateInput{OrderID: f.order.ID})
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	}
	assert.Equal(t, int32(2), failing.calls.Load(), "an open breaker short-circuits the provider")
}

func TestCreatePayment_Refusals(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	_, err := f.coord.CreatePayment(ctx, "t1", CreateInput{OrderID: f.order.ID, Amount: 100})
	e := apperr.Destruct(err)
	assert.Equal(t, apperr.KindValidation, e.Kind)
	assert.Equal(t, "amount", e.Field)

	_, err = f.coord.CreatePayment(ctx, "t1", CreateInput{OrderID: "missing"})
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = f.coord.CreatePayment(ctx, "t2", CreateInput{OrderID: f.order.ID})
	assert.ErrorIs(t, err, ErrOrderNotFound, "orders are tenant scoped")

	_, err = f.coord.CreatePayment(ctx, "t1", CreateInput{OrderID: f.order.ID, Provider: "nope"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = f.coord.CreatePayment(ctx, "t1", CreateInput{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	closed := repotest.SeedOrder(t, f.store, "t1", "T7", domain.OrderStatusClosed)
	_, err = f.coord.CreatePayment(ctx, "t1", CreateInput{OrderID: closed.ID})
	assert.ErrorIs(t, err, ErrOrderNotPayable)
}

func TestCreatePayment_OrderChangedBeforeReserve(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	f.coord.beforeReserve = func(ctx context.Context) {
		o, err := f.store.Orders.FindByID(ctx, nil, "t1", f.order.ID)
		require.NoError(t, err)
		o.Total += 600
		o.Version++
		require.NoError(t, f.store.Orders.UpdateContents(ctx, nil, o, domain.OrderStatusOpen))
	}

	_, err := f.coord.CreatePayment(ctx, "t1", CreateInput{OrderID: f.order.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderChanged)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	active, err := f.coord.HasActivePayment(ctx, "t1", f.order.ID)
	require.NoError(t, err)
	assert.False(t, active, "the reservation for the stale total is released")
	assert.Empty(t, f.bus.History(eventbus.TopicPayment))

	f.coord.beforeReserve = nil
	p, err := f.coord.CreatePayment(ctx, "t1", CreateInput{OrderID: f.order.ID})
	require.NoError(t, err)
	assert.Equal(t, f.order.Total+600, p.Amount)
}

func TestReconcile_ApprovedTwiceUpdatesOrderOnce(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	p := f.pay(t)

	first, err := f.coord.Reconcile(ctx, p.ExternalReference, domain.PaymentApproved, json.RawMessage(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentApproved, first.Status)
	require.NotNil(t, first.ResolvedAt)

	second, err := f.coord.Reconcile(ctx, p.ExternalReference, domain.PaymentApproved, json.RawMessage(`{"id":2}`))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentApproved, second.Status)
	assert.JSONEq(t, `{"id":1}`, string(second.ProviderPayload), "the repeat must not overwrite")

	order, err := f.store.Orders.FindByID(ctx, nil, "t1", f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaymentPaid, order.PaymentStatus)

	orderEvents := f.bus.History(eventbus.TopicOrderUpdated)
	require.Len(t, orderEvents, 1)
	paymentEvents := f.bus.History(eventbus.TopicPayment)
	require.Len(t, paymentEvents, 2)
	assert.Less(t, paymentEvents[1].Seq, orderEvents[0].Seq, "payment event comes before the order event")

	var ev ledger.OrderEvent
	require.NoError(t, json.Unmarshal(orderEvents[0].Payload, &ev))
	assert.Equal(t, domain.OrderPaymentPaid, ev.Order.PaymentStatus)
	assert.Equal(t, ev.Order.Version, ev.StoreVersion)

	active, err := f.coord.HasActivePayment(ctx, "t1", f.order.ID)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = f.coord.CreatePayment(ctx, "t1", CreateInput{OrderID: f.order.ID})
	assert.ErrorIs(t, err, ErrOrderNotPayable, "a paid order takes no new payments")
}

func TestReconcile_ConcurrentCallbacks(t *testing.T) {
	f := setup(t, Options{})
	p := f.pay(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Reconcile(context.Background(), p.ExternalReference, domain.PaymentApproved, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.bus.History(eventbus.TopicOrderUpdated), 1)
	assert.Len(t, f.bus.History(eventbus.TopicPayment), 2)
}

func TestReconcile_ConflictingFinalStatus(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	p := f.pay(t)

	_, err := f.coord.Reconcile(ctx, p.ExternalReference, domain.PaymentRejected, nil)
	require.NoError(t, err)

	_, err = f.coord.Reconcile(ctx, p.ExternalReference, domain.PaymentApproved, nil)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	stored, err := f.coord.GetPayment(ctx, "t1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRejected, stored.Status)

	order, err := f.store.Orders.FindByID(ctx, nil, "t1", f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaymentPending, order.PaymentStatus)
	assert.Empty(t, f.bus.History(eventbus.TopicOrderUpdated))
}

func TestReconcile_PendingAndUnknown(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	p := f.pay(t)

	got, err := f.coord.Reconcile(ctx, p.ExternalReference, domain.PaymentPending, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, got.Status)

	_, err = f.coord.Reconcile(ctx, "ext-unknown", domain.PaymentApproved, nil)
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	_, err = f.coord.Reconcile(ctx, p.ExternalReference, domain.PaymentStatus("refunded"), nil)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func callback(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments/sandbox", strings.NewReader(body))
}

func TestHandleCallback(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	p := f.pay(t)

	err := f.coord.HandleCallback(ctx, provider.SandboxName, callback(`{"externalReference":"`+p.ExternalReference+`","status":"approved"}`))
	require.NoError(t, err)
	stored, err := f.coord.GetPayment(ctx, "t1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentApproved, stored.Status)

	err = f.coord.HandleCallback(ctx, provider.SandboxName, callback(`{"externalReference":"`+p.ExternalReference+`","status":"rejected"}`))
	assert.NoError(t, err, "conflicts are logged, not redelivered")

	err = f.coord.HandleCallback(ctx, provider.SandboxName, callback(`{"externalReference":"ext-ghost","status":"approved","tenantId":"t1"}`))
	assert.NoError(t, err, "unknown references are answered as handled")
	alerts, err := f.alerts.ListActive(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.KindUnknownReference, alerts[0].Kind)
	assert.Contains(t, alerts[0].Message, "ext-ghost")

	err = f.coord.HandleCallback(ctx, provider.SandboxName, callback(`garbage`))
	assert.ErrorIs(t, err, ErrInvalidCallback)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	err = f.coord.HandleCallback(ctx, "nope", callback(`{}`))
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestCancel(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	p := f.pay(t)

	cancelled, err := f.coord.Cancel(ctx, "t1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCancelled, cancelled.Status)

	again, err := f.coord.Cancel(ctx, "t1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCancelled, again.Status)
	assert.Len(t, f.bus.History(eventbus.TopicPayment), 2)

	active, err := f.coord.HasActivePayment(ctx, "t1", f.order.ID)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = f.coord.Cancel(ctx, "t1", "missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	next := f.pay(t)
	_, err = f.coord.Reconcile(ctx, next.ExternalReference, domain.PaymentApproved, nil)
	require.NoError(t, err)
	_, err = f.coord.Cancel(ctx, "t1", next.ID)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestGetSummary_RatesStayEqual(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	p := f.pay(t)
	_, err := f.coord.Cancel(ctx, "t1", p.ID)
	require.NoError(t, err)
	p = f.pay(t)
	_, err = f.coord.Reconcile(ctx, p.ExternalReference, domain.PaymentApproved, nil)
	require.NoError(t, err)

	other := repotest.SeedOrder(t, f.store, "t1", "T7", domain.OrderStatusOpen)
	_, err = f.coord.CreatePayment(ctx, "t1", CreateInput{OrderID: other.ID})
	require.NoError(t, err)

	s, err := f.coord.GetSummary(ctx, "t1", Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Active)
	assert.Equal(t, int64(3600), s.ApprovedAmount)
	assert.Equal(t, 0.5, s.ApprovalRate)
	assert.Equal(t, 0.5, s.CancellationRate)
	assert.Equal(t, s.CancellationRate, s.ErrorRate)

	_, err = f.coord.ListPayments(ctx, "t1", Filter{Sort: "random"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestReconciler_ExpiresAndReleases(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	p := f.pay(t)
	require.NotNil(t, p.ExpiresAt)

	now := time.Now().UTC()
	stale := &domain.Payment{
		ID: uuid.NewString(), TenantID: "t1", OrderID: repotest.SeedOrder(t, f.store, "t1", "T7", domain.OrderStatusOpen).ID,
		Provider: provider.SandboxName, Amount: 3600, Currency: "ARS", Status: domain.PaymentPending,
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}
	require.NoError(t, f.store.Payments.Reserve(ctx, nil, stale))

	f.coord.now = func() time.Time { return p.ExpiresAt.Add(time.Second) }
	NewReconciler(f.coord, time.Minute, logger.Discard()).Tick(ctx)

	expired, err := f.coord.GetPayment(ctx, "t1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentExpired, expired.Status)
	assert.Equal(t, "checkout expired", expired.FailureReason)

	_, err = f.coord.GetPayment(ctx, "t1", stale.ID)
	assert.ErrorIs(t, err, ErrPaymentNotFound, "stale reservation was released")
	assert.Empty(t, f.bus.History(eventbus.TopicOrderUpdated))
}

func TestReconciler_PollsStatusFetchers(t *testing.T) {
	stub := &stubProvider{status: domain.PaymentPending}
	f := setup(t, Options{}, stub)
	ctx := context.Background()
	p := f.pay(t)
	r := NewReconciler(f.coord, time.Minute, logger.Discard())

	r.Tick(ctx)
	got, err := f.coord.GetPayment(ctx, "t1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, got.Status)

	stub.status = domain.PaymentApproved
	r.Tick(ctx)
	got, err = f.coord.GetPayment(ctx, "t1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentApproved, got.Status)
	assert.Len(t, f.bus.History(eventbus.TopicOrderUpdated), 1)
}

func TestReconciler_RunStopsWithContext(t *testing.T) {
	f := setup(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReconciler(f.coord, time.Millisecond, logger.Discard()).Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
