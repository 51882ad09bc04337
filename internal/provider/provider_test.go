package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tableside/floor-core/internal/config"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/logger"
)

func TestSandbox_CheckoutAndOutcomes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSandbox(SandboxOptions{BaseURL: "http://localhost:8080/", CheckoutTTL: time.Minute, SettleAfter: 10 * time.Second})
	s.now = func() time.Time { return now }
	ctx := context.Background()

	approved, err := s.CreateCheckout(ctx, CheckoutRequest{PaymentID: "p1", Amount: 4100, Currency: "ARS"})
	require.NoError(t, err)
	assert.Equal(t, "sbx_p1", approved.ExternalID)
	assert.Equal(t, "http://localhost:8080/sandbox/checkout/sbx_p1", approved.CheckoutURL)
	require.NotNil(t, approved.ExpiresAt)
	assert.Equal(t, now.Add(time.Minute), *approved.ExpiresAt)

	rejected, err := s.CreateCheckout(ctx, CheckoutRequest{PaymentID: "p2", Amount: 4113})
	require.NoError(t, err)

	_, err = s.CreateCheckout(ctx, CheckoutRequest{PaymentID: "p3", Amount: 4199})
	assert.ErrorIs(t, err, ErrUnavailable)

	cb, err := s.FetchStatus(ctx, approved.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, cb.Status, "not settled yet")

	now = now.Add(10 * time.Second)
	cb, err = s.FetchStatus(ctx, approved.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentApproved, cb.Status)

	cb, err = s.FetchStatus(ctx, rejected.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRejected, cb.Status)
	assert.NotEmpty(t, cb.Reason)

	_, err = s.FetchStatus(ctx, "sbx_missing")
	assert.ErrorIs(t, err, ErrUnknownReference)
}

func TestSandbox_EvictsStaleCheckouts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSandbox(SandboxOptions{CheckoutTTL: time.Minute, SettleAfter: 10 * time.Second})
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := s.CreateCheckout(ctx, CheckoutRequest{PaymentID: "old", Amount: 4100})
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	_, err = s.CreateCheckout(ctx, CheckoutRequest{PaymentID: "recent", Amount: 4100})
	require.NoError(t, err)
	assert.Len(t, s.checkouts, 2)

	now = now.Add(50 * time.Second)
	_, err = s.CreateCheckout(ctx, CheckoutRequest{PaymentID: "new", Amount: 4100})
	require.NoError(t, err)

	assert.Len(t, s.checkouts, 2)
	_, err = s.FetchStatus(ctx, "sbx_old")
	assert.ErrorIs(t, err, ErrUnknownReference)

	cb, err := s.FetchStatus(ctx, "sbx_recent")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentApproved, cb.Status)
}

func TestSandbox_ParseCallback(t *testing.T) {
	s := NewSandbox(SandboxOptions{})

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"externalReference":"sbx_1","status":"approved","tenantId":"t1"}`))
	cb, err := s.ParseCallback(r)
	require.NoError(t, err)
	assert.Equal(t, "sbx_1", cb.ExternalReference)
	assert.Equal(t, domain.PaymentApproved, cb.Status)
	assert.Equal(t, "t1", cb.TenantID)
	assert.JSONEq(t, `{"externalReference":"sbx_1","status":"approved","tenantId":"t1"}`, string(cb.Payload))

	for _, body := range []string{`not json`, `{"status":"approved"}`, `{"externalReference":"x","status":"lost"}`} {
		_, err := s.ParseCallback(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		assert.ErrorIs(t, err, ErrInvalidCallback, body)
	}
}

func newHosted(t *testing.T, handler http.HandlerFunc) *Hosted {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.HostedConfig{BaseURL: srv.URL, BasicAuthKey: "c2VjcmV0Og==", WebhookSecret: "whsec"}
	return NewHosted(cfg, logger.Discard(), srv.Client())
}

func TestHosted_CreateCheckout(t *testing.T) {
	var got hostedCheckoutRequest
	h := newHosted(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkouts", r.URL.Path)
		assert.Equal(t, "Basic c2VjcmV0Og==", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ext-1","checkout_url":"https://pay.example/ext-1","status":"pending","expires_at":"2026-03-01T12:30:00Z"}`))
	})

	checkout, err := h.CreateCheckout(context.Background(), CheckoutRequest{
		PaymentID: "p1", TenantID: "t1", OrderID: "o1", Amount: 4100, Currency: "ARS",
		Metadata: map[string]string{"table": "T7"},
	})
	require.NoError(t, err)

	assert.Equal(t, "ext-1", checkout.ExternalID)
	assert.Equal(t, "https://pay.example/ext-1", checkout.CheckoutURL)
	require.NotNil(t, checkout.ExpiresAt)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC), *checkout.ExpiresAt)

	assert.Equal(t, "p1", got.Reference)
	assert.Equal(t, int64(4100), got.Amount)
	assert.Equal(t, map[string]string{"table": "T7", "tenant_id": "t1", "payment_id": "p1"}, got.Metadata)
}

func TestHosted_CreateCheckoutServerError(t *testing.T) {
	h := newHosted(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := h.CreateCheckout(context.Background(), CheckoutRequest{PaymentID: "p1", Amount: 100})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHosted_FetchStatus(t *testing.T) {
	h := newHosted(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/checkouts/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "/v1/checkouts/ext-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"ext-1","status":"paid","metadata":{"tenant_id":"t1"}}`))
	})

	cb, err := h.FetchStatus(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentApproved, cb.Status)
	assert.Equal(t, "t1", cb.TenantID)

	_, err = h.FetchStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownReference)
}

func TestHosted_ParseCallbackVerifiesSignature(t *testing.T) {
	h := NewHosted(config.HostedConfig{WebhookSecret: "whsec"}, logger.Discard(), nil)
	body := `{"id":"ext-1","status":"rejected","status_detail":"insufficient funds"}`

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	r.Header.Set(SignatureHeader, Sign([]byte("whsec"), []byte(body)))
	cb, err := h.ParseCallback(r)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", cb.ExternalReference)
	assert.Equal(t, domain.PaymentRejected, cb.Status)
	assert.Equal(t, "insufficient funds", cb.Reason)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	r.Header.Set(SignatureHeader, Sign([]byte("other"), []byte(body)))
	_, err = h.ParseCallback(r)
	assert.ErrorIs(t, err, ErrBadSignature)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	_, err = h.ParseCallback(r)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestParseStatus(t *testing.T) {
	tests := map[string]domain.PaymentStatus{
		"approved":  domain.PaymentApproved,
		"succeeded": domain.PaymentApproved,
		"declined":  domain.PaymentRejected,
		"canceled":  domain.PaymentCancelled,
		"expired":   domain.PaymentExpired,
		"created":   domain.PaymentPending,
	}
	for in, want := range tests {
		got, ok := ParseStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseStatus("refunded")
	assert.False(t, ok)
}
