package payment

import (
	"errors"

	"github.com/tableside/floor-core/internal/apperr"
)

var (
	ErrOrderNotFound       = apperr.NotFound("order_not_found", "order not found")
	ErrPaymentNotFound     = apperr.NotFound("payment_not_found", "payment not found")
	ErrUnknownProvider     = apperr.NotFound("unknown_provider", "payment provider is not configured")
	ErrPaymentInProgress   = apperr.Conflict("payment_in_progress", "order already has an active payment")
	ErrOrderNotPayable     = apperr.Conflict("order_not_payable", "order is closed or already paid")
	ErrOrderChanged        = apperr.Conflict("order_changed", "order total changed while the payment was being created, try again")
	ErrAlreadyTerminal     = apperr.Conflict("payment_already_terminal", "payment already reached a different final status")
	ErrOrderAlreadyPaid    = apperr.Conflict("order_already_paid", "order was already paid by another payment")
	ErrProviderUnavailable = apperr.New(apperr.KindTransient, "provider_unavailable", "payment provider unavailable, try again")
	ErrInvalidCallback     = apperr.Validation("invalid_callback", "", "callback could not be parsed")
)

var errOrderAlreadyPaid = errors.New("order already marked paid")
