package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/config"
)

const (
	HostedName      = "hosted"
	SignatureHeader = "X-Signature"
)

type hostedCheckoutRequest struct {
	Reference      string            `json:"reference"`
	OrderReference string            `json:"order_reference"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	ReturnURL      string            `json:"return_url,omitempty"`
	FailureURL     string            `json:"failure_url,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type hostedCheckoutResponse struct {
	ID          string            `json:"id"`
	CheckoutURL string            `json:"checkout_url"`
	Status      string            `json:"status"`
	ExpiresAt   string            `json:"expires_at"`
	Reason      string            `json:"status_detail"`
	Metadata    map[string]string `json:"metadata"`
}

// Hosted talks to a hosted-checkout HTTP API: checkouts are created with basic
// auth, callbacks are signed with HMAC-SHA256 over the raw body.
type Hosted struct {
	baseURL       string
	basicAuthKey  string
	webhookSecret []byte
	log           *logrus.Logger
	hc            *http.Client
}

func NewHosted(cfg config.HostedConfig, log *logrus.Logger, hc *http.Client) *Hosted {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Hosted{
		baseURL:       cfg.BaseURL,
		basicAuthKey:  cfg.BasicAuthKey,
		webhookSecret: []byte(cfg.WebhookSecret),
		log:           log,
		hc:            hc,
	}
}

func (h *Hosted) Name() string {
	return HostedName
}

func (h *Hosted) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	metadata := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["tenant_id"] = req.TenantID
	metadata["payment_id"] = req.PaymentID

	body, err := json.Marshal(hostedCheckoutRequest{
		Reference:      req.PaymentID,
		OrderReference: req.OrderID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		ReturnURL:      req.ReturnURL,
		FailureURL:     req.FailureURL,
		Metadata:       metadata,
	})
	if err != nil {
		return Checkout{}, fmt.Errorf("marshal checkout request: %w", err)
	}

	raw, err := h.do(ctx, http.MethodPost, h.baseURL+"/v1/checkouts", body)
	if err != nil {
		return Checkout{}, err
	}

	var resp hostedCheckoutResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Checkout{}, fmt.Errorf("decode checkout response: %w", err)
	}
	if resp.ID == "" || resp.CheckoutURL == "" {
		return Checkout{}, fmt.Errorf("checkout response without id or url: %w", ErrUnavailable)
	}

	checkout := Checkout{ExternalID: resp.ID, CheckoutURL: resp.CheckoutURL, Payload: raw}
	if resp.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, resp.ExpiresAt)
		if err != nil {
			h.log.WithContext(ctx).WithError(err).WithField("external_id", resp.ID).Warn("ignoring unparseable checkout expiry")
		} else {
			t = t.UTC()
			checkout.ExpiresAt = &t
		}
	}
	return checkout, nil
}

// ParseCallback verifies the signature before looking at the body.
func (h *Hosted) ParseCallback(r *http.Request) (Callback, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		return Callback{}, fmt.Errorf("read callback: %w", err)
	}
	if !h.validSignature(body, r.Header.Get(SignatureHeader)) {
		return Callback{}, ErrBadSignature
	}

	var resp hostedCheckoutResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	return toCallback(resp, body)
}

func (h *Hosted) FetchStatus(ctx context.Context, externalID string) (Callback, error) {
	raw, err := h.do(ctx, http.MethodGet, h.baseURL+"/v1/checkouts/"+url.PathEscape(externalID), nil)
	if err != nil {
		return Callback{}, err
	}

	var resp hostedCheckoutResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Callback{}, fmt.Errorf("decode checkout status: %w", err)
	}
	if resp.ID == "" {
		resp.ID = externalID
	}
	return toCallback(resp, raw)
}

// Sign computes the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Hosted) validSignature(body []byte, got string) bool {
	if len(h.webhookSecret) == 0 || got == "" {
		return false
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.webhookSecret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

func (h *Hosted) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	hr.Header.Set("Accept", "application/json")
	if body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	hr.Header.Set("Authorization", "Basic "+h.basicAuthKey)

	resp, err := h.hc.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %v", method, endpoint, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCallbackBody))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, ErrUnknownReference)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		h.log.WithContext(ctx).WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(raw),
		}).Error("payment provider returned an error")
		return nil, fmt.Errorf("%s %s returned %d: %w", method, endpoint, resp.StatusCode, ErrUnavailable)
	}
	return raw, nil
}

func toCallback(resp hostedCheckoutResponse, raw []byte) (Callback, error) {
	if resp.ID == "" {
		return Callback{}, fmt.Errorf("%w: id is required", ErrInvalidCallback)
	}
	status, ok := ParseStatus(resp.Status)
	if !ok {
		return Callback{}, fmt.Errorf("%w: unknown status %q", ErrInvalidCallback, resp.Status)
	}
	return Callback{
		ExternalReference: resp.ID,
		Status:            status,
		TenantID:          resp.Metadata["tenant_id"],
		Reason:            resp.Reason,
		Payload:           raw,
	}, nil
}
