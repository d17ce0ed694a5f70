package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WebhookEventStatus is the processing state of an inbound gateway notification.
type WebhookEventStatus string

const (
	WebhookEventReceived  WebhookEventStatus = "received"
	WebhookEventProcessed WebhookEventStatus = "processed"
	WebhookEventFailed    WebhookEventStatus = "failed"
)

// GatewayWebhookEvent is the idempotency and audit log for gateway webhooks.
// One row per EventID; redeliveries update it in place.
type GatewayWebhookEvent struct {
	ID              uuid.UUID          `json:"id" gorm:"type:uuid;primaryKey"`
	EventID         string             `json:"event_id" gorm:"not null;uniqueIndex"`
	EventType       string             `json:"event_type" gorm:"not null;index"`
	Provider        string             `json:"provider" gorm:"not null;default:'razorpay'"`
	Status          WebhookEventStatus `json:"status" gorm:"type:varchar(32);not null;index"`
	Payload         datatypes.JSON     `json:"payload"`
	ProcessingError *string            `json:"processing_error,omitempty"`
	PaymentID       *uuid.UUID         `json:"payment_id,omitempty" gorm:"type:uuid;index"`
	Attempts        int                `json:"attempts" gorm:"not null;default:1"`
	ReceivedAt      time.Time          `json:"received_at"`
	ProcessedAt     *time.Time         `json:"processed_at,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func (GatewayWebhookEvent) TableName() string { return "gateway_webhook_events" }

func (e *GatewayWebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}
	if e.Status == "" {
		e.Status = WebhookEventReceived
	}
	return nil
}

// AllModels lists every table owned by the service, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&School{},
		&Invoice{},
		&InvoiceItem{},
		&Order{},
		&Payment{},
		&PaymentAllocation{},
		&GatewayWebhookEvent{},
	}
}
