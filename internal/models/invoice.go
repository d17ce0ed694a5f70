package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InvoicePaymentStatus is derived from the allocation ledger; payment events never set it directly.
type InvoicePaymentStatus string

const (
	InvoiceUnpaid        InvoicePaymentStatus = "unpaid"
	InvoicePartiallyPaid InvoicePaymentStatus = "partially_paid"
	InvoicePaid          InvoicePaymentStatus = "paid"
)

// Invoice bills one student for one fee term.
type Invoice struct {
	ID            uuid.UUID            `json:"id" gorm:"type:uuid;primaryKey"`
	SchoolID      uuid.UUID            `json:"school_id" gorm:"type:uuid;not null;index"`
	StudentID     uuid.UUID            `json:"student_id" gorm:"type:uuid;not null;index"`
	InvoiceNumber string               `json:"invoice_number" gorm:"not null"`
	Description   string               `json:"description"`
	Currency      string               `json:"currency" gorm:"not null;default:'INR'"`
	AmountDue     decimal.Decimal      `json:"amount_due" gorm:"type:decimal(12,2);not null"`
	AmountPaid    decimal.Decimal      `json:"amount_paid" gorm:"type:decimal(12,2);not null"`
	PaymentStatus InvoicePaymentStatus `json:"payment_status" gorm:"type:varchar(32);not null;default:'unpaid'"`

	Items []InvoiceItem `json:"items,omitempty" gorm:"foreignKey:InvoiceID"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Invoice) TableName() string { return "invoices" }

func (i *Invoice) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	if i.PaymentStatus == "" {
		i.PaymentStatus = InvoiceUnpaid
	}
	return nil
}

// Outstanding is what is still owed on the invoice.
func (i *Invoice) Outstanding() decimal.Decimal {
	return i.AmountDue.Sub(i.AmountPaid)
}

// InvoiceItem is one fee component on an invoice.
type InvoiceItem struct {
	ID             uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	InvoiceID      uuid.UUID       `json:"invoice_id" gorm:"type:uuid;not null;index"`
	LineNo         int             `json:"line_no" gorm:"not null"`
	FeeComponent   string          `json:"fee_component" gorm:"not null"`
	OriginalAmount decimal.Decimal `json:"original_amount" gorm:"type:decimal(12,2);not null"`
	DiscountAmount decimal.Decimal `json:"discount_amount" gorm:"type:decimal(12,2);not null"`
	FinalAmount    decimal.Decimal `json:"final_amount" gorm:"type:decimal(12,2);not null"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (InvoiceItem) TableName() string { return "invoice_items" }

func (it *InvoiceItem) BeforeCreate(tx *gorm.DB) error {
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	return nil
}

// DerivePaymentStatus applies the paid / partially paid / unpaid rule. An
// invoice with nothing due is paid.
func DerivePaymentStatus(amountPaid, amountDue decimal.Decimal) InvoicePaymentStatus {
	switch {
	case amountPaid.GreaterThanOrEqual(amountDue):
		return InvoicePaid
	case amountPaid.IsPositive():
		return InvoicePartiallyPaid
	default:
		return InvoiceUnpaid
	}
}
