package eventbus

import (
	"context"
	"time"
)

// Payment lifecycle topics.
const (
	TopicPaymentCaptured         = "payments.captured"
	TopicPaymentFailed           = "payments.failed"
	TopicPaymentAllocationFailed = "payments.allocation_failed"
	TopicPaymentReconciled       = "payments.reconciled"
)

// PaymentEvent is published after a payment state change has committed.
type PaymentEvent struct {
	PaymentID        string    `json:"payment_id"`
	SchoolID         string    `json:"school_id"`
	InvoiceID        string    `json:"invoice_id,omitempty"`
	OrderID          string    `json:"order_id,omitempty"`
	GatewayOrderID   string    `json:"gateway_order_id,omitempty"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	Status           string    `json:"status"`
	Amount           string    `json:"amount"`
	Currency         string    `json:"currency"`
	Source           string    `json:"source"`
	Error            string    `json:"error,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// EventBus defines the interface for asynchronous event communication
type EventBus interface {
	Publish(ctx context.Context, topic string, event PaymentEvent) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error)
	Close() error
}

// EventHandler processes incoming events
type EventHandler func(ctx context.Context, event PaymentEvent) error

// Subscription represents an event subscription
type Subscription interface {
	ID() string
	Topic() string
	Unsubscribe() error
}
