package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidTarget         = errors.New("exactly one of invoice_id or order_id is required")
	ErrTargetNotFound        = errors.New("payment target not found")
	ErrNothingDue            = errors.New("invoice has no outstanding balance")
	ErrOrderNotPayable       = errors.New("order is not awaiting payment")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrNotVerifiable         = errors.New("payment is not in a verifiable state")
	ErrOrderMismatch         = errors.New("gateway order id does not match payment")
	ErrInvalidSignature      = errors.New("invalid payment signature")
	ErrUnsupportedEvent      = errors.New("unsupported webhook event")
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")
	ErrNotInvoicePayment     = errors.New("payment does not target an invoice")
	ErrInvoiceNotFound       = errors.New("invoice not found")
	ErrOverpayment           = errors.New("payment exceeds invoice outstanding balance")
)

// AllocationFailure means the gateway captured the money but the ledger
// update was rolled back. The payment is left captured_allocation_failed.
type AllocationFailure struct {
	PaymentID uuid.UUID
	Err       error
}

func (e *AllocationFailure) Error() string {
	return fmt.Sprintf("payment %s captured but allocation failed: %v", e.PaymentID, e.Err)
}

func (e *AllocationFailure) Unwrap() error { return e.Err }
