package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tableside/floor-core/internal/domain"
)

const SandboxName = "sandbox"

type SandboxOptions struct {
	// BaseURL prefixes the checkout URLs handed to customers.
	BaseURL     string
	CheckoutTTL time.Duration
	// SettleAfter makes FetchStatus report the deterministic outcome once a
	// checkout is that old. Zero leaves checkouts pending until a callback.
	SettleAfter time.Duration
}

type sandboxCheckout struct {
	amount    int64
	createdAt time.Time
}

// Sandbox is an in-process provider with outcomes fixed by the amount:
// amounts ending in 99 fail at checkout, amounts ending in 13 are rejected,
// everything else is approved.
type Sandbox struct {
	opts SandboxOptions
	now  func() time.Time

	mu        sync.Mutex
	checkouts map[string]sandboxCheckout
	lastSweep time.Time
}

const sandboxSweepInterval = time.Minute

func NewSandbox(opts SandboxOptions) *Sandbox {
	if opts.CheckoutTTL <= 0 {
		opts.CheckoutTTL = 30 * time.Minute
	}
	return &Sandbox{opts: opts, now: time.Now, checkouts: make(map[string]sandboxCheckout)}
}

func (s *Sandbox) Name() string {
	return SandboxName
}

// Outcome is the status the sandbox eventually settles an amount to.
func Outcome(amount int64) domain.PaymentStatus {
	if amount%100 == 13 {
		return domain.PaymentRejected
	}
	return domain.PaymentApproved
}

func (s *Sandbox) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	if err := ctx.Err(); err != nil {
		return Checkout{}, err
	}
	if req.Amount%100 == 99 {
		return Checkout{}, fmt.Errorf("sandbox refused amount %d: %w", req.Amount, ErrUnavailable)
	}

	now := s.now().UTC()
	ext := "sbx_" + req.PaymentID
	expires := now.Add(s.opts.CheckoutTTL)

	s.mu.Lock()
	s.sweepLocked(now)
	s.checkouts[ext] = sandboxCheckout{amount: req.Amount, createdAt: now}
	s.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{
		"id":       ext,
		"amount":   req.Amount,
		"currency": req.Currency,
		"outcome":  Outcome(req.Amount),
	})
	return Checkout{
		ExternalID:  ext,
		CheckoutURL: strings.TrimRight(s.opts.BaseURL, "/") + "/sandbox/checkout/" + ext,
		ExpiresAt:   &expires,
		Payload:     payload,
	}, nil
}

type sandboxCallback struct {
	ExternalReference string `json:"externalReference"`
	Status            string `json:"status"`
	TenantID          string `json:"tenantId"`
	Reason            string `json:"reason"`
}

// ParseCallback reads a manual resolution: {"externalReference", "status"}.
func (s *Sandbox) ParseCallback(r *http.Request) (Callback, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		return Callback{}, fmt.Errorf("read sandbox callback: %w", err)
	}

	var in sandboxCallback
	if err := json.Unmarshal(body, &in); err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if in.ExternalReference == "" {
		return Callback{}, fmt.Errorf("%w: externalReference is required", ErrInvalidCallback)
	}
	status, ok := ParseStatus(in.Status)
	if !ok {
		return Callback{}, fmt.Errorf("%w: unknown status %q", ErrInvalidCallback, in.Status)
	}
	return Callback{
		ExternalReference: in.ExternalReference,
		Status:            status,
		TenantID:          in.TenantID,
		Reason:            in.Reason,
		Payload:           body,
	}, nil
}

func (s *Sandbox) FetchStatus(_ context.Context, externalID string) (Callback, error) {
	s.mu.Lock()
	c, ok := s.checkouts[externalID]
	s.mu.Unlock()
	if !ok {
		return Callback{}, fmt.Errorf("sandbox checkout %s: %w", externalID, ErrUnknownReference)
	}

	status := domain.PaymentPending
	if s.opts.SettleAfter > 0 && s.now().Sub(c.createdAt) >= s.opts.SettleAfter {
		status = Outcome(c.amount)
	}
	payload, _ := json.Marshal(map[string]any{"id": externalID, "status": status})

	cb := Callback{ExternalReference: externalID, Status: status, Payload: payload}
	if status == domain.PaymentRejected {
		cb.Reason = "declined by sandbox"
	}
	return cb, nil
}

// sweepLocked drops checkouts past their expiry and settle time. By then the
// coordinator has expired the payment and stops asking about it.
func (s *Sandbox) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < sandboxSweepInterval {
		return
	}
	s.lastSweep = now
	retention := s.opts.CheckoutTTL + s.opts.SettleAfter
	for ext, c := range s.checkouts {
		if now.Sub(c.createdAt) > retention {
			delete(s.checkouts, ext)
		}
	}
}
