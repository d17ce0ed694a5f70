package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentStatus is the lifecycle state of a single payment attempt.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusCaptured PaymentStatus = "captured"
	PaymentStatusFailed   PaymentStatus = "failed"
	// PaymentStatusCapturedAllocationFailed means the gateway holds the money
	// but the ledger could not be updated. It needs a human, never a retry loop.
	PaymentStatusCapturedAllocationFailed PaymentStatus = "captured_allocation_failed"
)

// Payment is one attempted payment against exactly one target: an invoice or an order.
type Payment struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	SchoolID uuid.UUID `json:"school_id" gorm:"type:uuid;not null;index"`
	UserID   uuid.UUID `json:"user_id" gorm:"type:uuid;not null;index"`

	InvoiceID *uuid.UUID `json:"invoice_id,omitempty" gorm:"type:uuid;index;check:chk_payments_single_target,(invoice_id IS NULL) <> (order_id IS NULL)"`
	OrderID   *uuid.UUID `json:"order_id,omitempty" gorm:"type:uuid;index"`

	GatewayOrderID   *string `json:"gateway_order_id,omitempty" gorm:"uniqueIndex"`
	GatewayPaymentID *string `json:"gateway_payment_id,omitempty" gorm:"index"`
	GatewaySignature *string `json:"-"`

	AmountPaid       decimal.Decimal `json:"amount_paid" gorm:"type:decimal(12,2);not null"`
	Currency         string          `json:"currency" gorm:"not null;default:'INR'"`
	Status           PaymentStatus   `json:"status" gorm:"type:varchar(32);not null;index"`
	Method           *string         `json:"method,omitempty"`
	ErrorDescription *string         `json:"error_description,omitempty"`
	Metadata         datatypes.JSON  `json:"metadata,omitempty"`

	// ReconcileAttemptedAt is set when a sweep leaves the payment pending.
	ReconcileAttemptedAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = PaymentStatusPending
	}
	return nil
}

// IsInvoicePayment reports whether the payment settles an invoice rather than an order.
func (p *Payment) IsInvoicePayment() bool {
	return p.InvoiceID != nil
}

// Fail moves the payment to failed with a reason.
func (p *Payment) Fail(reason string) {
	p.Status = PaymentStatusFailed
	p.ErrorDescription = &reason
}

// PaymentAllocation attributes part of a captured payment to one invoice line.
// Rows are append-only; invoice totals are always recomputed from them.
type PaymentAllocation struct {
	ID                uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	PaymentID         uuid.UUID       `json:"payment_id" gorm:"type:uuid;not null;index"`
	InvoiceItemID     uuid.UUID       `json:"invoice_item_id" gorm:"type:uuid;not null;index"`
	AmountAllocated   decimal.Decimal `json:"amount_allocated" gorm:"type:decimal(12,2);not null"`
	AllocatedByUserID uuid.UUID       `json:"allocated_by_user_id" gorm:"type:uuid;not null"`
	CreatedAt         time.Time       `json:"created_at"`
}

func (PaymentAllocation) TableName() string { return "payment_allocations" }

func (a *PaymentAllocation) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
