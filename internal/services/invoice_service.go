package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sambitmohanty1/school-payments/internal/models"
)

// InvoiceService distributes captured payments over invoice line items and
// keeps invoice aggregates in step with the allocation ledger.
type InvoiceService struct {
	db     *gorm.DB
	logger *zap.Logger
	tracer trace.Tracer
}

func NewInvoiceService(db *gorm.DB, logger *zap.Logger) *InvoiceService {
	return &InvoiceService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("invoice-service"),
	}
}

// AllocatePayment allocates a captured payment in its own transaction.
func (s *InvoiceService) AllocatePayment(ctx context.Context, paymentID, userID uuid.UUID) ([]models.PaymentAllocation, error) {
	var created []models.PaymentAllocation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = s.AllocatePaymentTx(ctx, tx, paymentID, userID)
		return err
	})
	return created, err
}

// AllocatePaymentTx allocates inside the caller's transaction. Items are paid
// in (line_no, created_at, id) order. Only the part of the payment not yet
// allocated is distributed, so repeated calls never double-allocate.
func (s *InvoiceService) AllocatePaymentTx(ctx context.Context, tx *gorm.DB, paymentID, userID uuid.UUID) ([]models.PaymentAllocation, error) {
	ctx, span := s.tracer.Start(ctx, "allocate_payment")
	defer span.End()
	span.SetAttributes(attribute.String("payment_id", paymentID.String()))

	tx = tx.WithContext(ctx)

	var payment models.Payment
	if err := tx.First(&payment, "id = ?", paymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	if payment.InvoiceID == nil {
		return nil, ErrNotInvoicePayment
	}
	span.SetAttributes(attribute.String("invoice_id", payment.InvoiceID.String()))

	invoice, items, allocations, err := s.loadLedger(tx, *payment.InvoiceID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	paidPerItem := make(map[uuid.UUID]decimal.Decimal, len(items))
	allocatedByPayment := decimal.Zero
	for _, a := range allocations {
		paidPerItem[a.InvoiceItemID] = paidPerItem[a.InvoiceItemID].Add(a.AmountAllocated)
		if a.PaymentID == payment.ID {
			allocatedByPayment = allocatedByPayment.Add(a.AmountAllocated)
		}
	}

	left := payment.AmountPaid.Sub(allocatedByPayment)
	var created []models.PaymentAllocation
	for _, item := range items {
		if !left.IsPositive() {
			break
		}
		remaining := item.FinalAmount.Sub(paidPerItem[item.ID])
		if !remaining.IsPositive() {
			continue
		}
		amount := decimal.Min(left, remaining)
		created = append(created, models.PaymentAllocation{
			PaymentID:         payment.ID,
			InvoiceItemID:     item.ID,
			AmountAllocated:   amount,
			AllocatedByUserID: userID,
		})
		paidPerItem[item.ID] = paidPerItem[item.ID].Add(amount)
		left = left.Sub(amount)
	}

	if left.IsPositive() {
		err := fmt.Errorf("%w: %s %s unallocated on invoice %s", ErrOverpayment, left.StringFixed(2), payment.Currency, invoice.ID)
		span.RecordError(err)
		return nil, err
	}

	err = tx.Transaction(func(inner *gorm.DB) error {
		if len(created) > 0 {
			if err := inner.Create(&created).Error; err != nil {
				return fmt.Errorf("failed to create allocations: %w", err)
			}
		}
		return s.applyAggregates(inner, invoice, items, append(allocations, created...))
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("Allocated payment to invoice items",
		zap.String("payment_id", payment.ID.String()),
		zap.String("invoice_id", invoice.ID.String()),
		zap.Int("allocations", len(created)),
		zap.String("invoice_amount_paid", invoice.AmountPaid.StringFixed(2)),
		zap.String("invoice_status", string(invoice.PaymentStatus)))
	return created, nil
}

// Recompute rebuilds an invoice's aggregates from the allocation ledger alone.
func (s *InvoiceService) Recompute(ctx context.Context, invoiceID uuid.UUID) (*models.Invoice, error) {
	var invoice *models.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, items, allocations, err := s.loadLedger(tx, invoiceID)
		if err != nil {
			return err
		}
		invoice = inv
		return s.applyAggregates(tx, inv, items, allocations)
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

// loadLedger locks the invoice and loads its items and every allocation against them.
func (s *InvoiceService) loadLedger(tx *gorm.DB, invoiceID uuid.UUID) (*models.Invoice, []models.InvoiceItem, []models.PaymentAllocation, error) {
	var invoice models.Invoice
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&invoice, "id = ?", invoiceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, ErrInvoiceNotFound
		}
		return nil, nil, nil, fmt.Errorf("failed to lock invoice: %w", err)
	}

	var items []models.InvoiceItem
	if err := tx.Where("invoice_id = ?", invoiceID).
		Order("line_no ASC, created_at ASC, id ASC").
		Find(&items).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load invoice items: %w", err)
	}

	var allocations []models.PaymentAllocation
	if len(items) > 0 {
		ids := make([]uuid.UUID, len(items))
		for i, item := range items {
			ids[i] = item.ID
		}
		if err := tx.Where("invoice_item_id IN ?", ids).Find(&allocations).Error; err != nil {
			return nil, nil, nil, fmt.Errorf("failed to load allocations: %w", err)
		}
	}
	return &invoice, items, allocations, nil
}

func (s *InvoiceService) applyAggregates(tx *gorm.DB, invoice *models.Invoice, items []models.InvoiceItem, allocations []models.PaymentAllocation) error {
	due := decimal.Zero
	for _, item := range items {
		due = due.Add(item.FinalAmount)
	}
	paid := decimal.Zero
	for _, a := range allocations {
		paid = paid.Add(a.AmountAllocated)
	}

	invoice.AmountDue = due
	invoice.AmountPaid = paid
	invoice.PaymentStatus = models.DerivePaymentStatus(paid, due)

	err := tx.Model(invoice).
		Select("amount_due", "amount_paid", "payment_status").
		Updates(invoice).Error
	if err != nil {
		return fmt.Errorf("failed to update invoice aggregates: %w", err)
	}
	return nil
}
