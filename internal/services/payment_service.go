package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sambitmohanty1/school-payments/internal/eventbus"
	"github.com/sambitmohanty1/school-payments/internal/gateway"
	"github.com/sambitmohanty1/school-payments/internal/logger"
	"github.com/sambitmohanty1/school-payments/internal/models"
)

const maxReceiptLength = 40

// CredentialProvider resolves per-school gateway credentials. db may be a transaction.
type CredentialProvider interface {
	Client(ctx context.Context, db *gorm.DB, schoolID uuid.UUID) (gateway.Client, error)
	KeySecret(ctx context.Context, db *gorm.DB, schoolID uuid.UUID) (string, error)
	WebhookSecret(ctx context.Context, db *gorm.DB, schoolID uuid.UUID) (string, error)
}

// InitiatePaymentRequest targets exactly one of an invoice or an order.
type InitiatePaymentRequest struct {
	InvoiceID *uuid.UUID `json:"invoice_id" validate:"required_without=OrderID,excluded_with=OrderID"`
	OrderID   *uuid.UUID `json:"order_id" validate:"required_without=InvoiceID,excluded_with=InvoiceID"`
}

// InitiatePaymentResponse carries what the checkout widget needs.
type InitiatePaymentResponse struct {
	PaymentID      uuid.UUID       `json:"payment_id"`
	GatewayOrderID string          `json:"gateway_order_id"`
	GatewayKeyID   string          `json:"gateway_key_id"`
	Amount         decimal.Decimal `json:"amount"`
	AmountMinor    int64           `json:"amount_minor"`
	Currency       string          `json:"currency"`
	DisplayName    string          `json:"display_name"`
	Description    string          `json:"description"`
}

// VerifyPaymentRequest is the checkout callback triple plus our payment id.
type VerifyPaymentRequest struct {
	PaymentID        uuid.UUID `json:"payment_id" validate:"required"`
	GatewayOrderID   string    `json:"razorpay_order_id" validate:"required"`
	GatewayPaymentID string    `json:"razorpay_payment_id" validate:"required"`
	Signature        string    `json:"razorpay_signature" validate:"required"`
}

// CaptureOutcome is the result of a capture attempt. When AllocationFailure is
// set the capture itself was recorded but the ledger update was not.
type CaptureOutcome struct {
	Payment           *models.Payment
	AllocationFailure *AllocationFailure
}

// Err returns the allocation failure as an error, or nil.
func (o CaptureOutcome) Err() error {
	if o.AllocationFailure != nil {
		return o.AllocationFailure
	}
	return nil
}

// capture is what the gateway told us about a captured payment.
type capture struct {
	GatewayPaymentID string
	Signature        *string
	Method           string
	Source           string
	// AllocatedBy is recorded on allocation rows; zero means the payer.
	AllocatedBy uuid.UUID
}

// PaymentService initiates and verifies payments and owns the shared
// capture-and-settle step used by webhooks and reconciliation.
type PaymentService struct {
	db       *gorm.DB
	provider CredentialProvider
	verifier gateway.Verifier
	invoices *InvoiceService
	bus      eventbus.EventBus
	metrics  *PaymentMetrics
	validate *validator.Validate
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewPaymentService(
	db *gorm.DB,
	provider CredentialProvider,
	verifier gateway.Verifier,
	invoices *InvoiceService,
	bus eventbus.EventBus,
	metrics *PaymentMetrics,
	logger *zap.Logger,
) *PaymentService {
	return &PaymentService{
		db:       db,
		provider: provider,
		verifier: verifier,
		invoices: invoices,
		bus:      bus,
		metrics:  metrics,
		validate: validator.New(),
		logger:   logger,
		tracer:   otel.Tracer("payment-service"),
		now:      time.Now,
	}
}

// Validate checks request structs with their validate tags.
func (s *PaymentService) Validate(req interface{}) error {
	return s.validate.Struct(req)
}

type paymentTarget struct {
	schoolID    uuid.UUID
	amount      decimal.Decimal
	currency    string
	description string
	invoiceID   *uuid.UUID
	orderID     *uuid.UUID
}

// InitiatePayment creates the gateway order first and only then the local
// pending Payment, so a failed gateway call never leaves an orphan row.
func (s *PaymentService) InitiatePayment(ctx context.Context, req InitiatePaymentRequest, userID uuid.UUID) (*InitiatePaymentResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	ctx, span := s.tracer.Start(ctx, "initiate_payment")
	defer span.End()

	target, err := s.resolveTarget(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("school_id", target.schoolID.String()))

	var school models.School
	if err := s.db.WithContext(ctx).First(&school, "id = ?", target.schoolID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: school %s", gateway.ErrNotConfigured, target.schoolID)
		}
		return nil, fmt.Errorf("failed to load school: %w", err)
	}

	client, err := s.provider.Client(ctx, s.db, target.schoolID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	amountMinor := target.amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	receipt := s.receipt()
	metadata, err := json.Marshal(map[string]interface{}{
		"receipt":      receipt,
		"amount_minor": amountMinor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment metadata: %w", err)
	}

	order, err := client.CreateOrder(ctx, gateway.OrderRequest{
		Amount:   amountMinor,
		Currency: target.currency,
		Receipt:  receipt,
		Notes: map[string]string{
			"invoice_id": uuidString(target.invoiceID),
			"order_id":   uuidString(target.orderID),
			"school_id":  target.schoolID.String(),
		},
	})
	if err != nil {
		span.RecordError(err)
		s.metrics.IncInitiationFailed()
		s.logger.Warn("Gateway order creation failed",
			zap.String("school_id", target.schoolID.String()),
			zap.Error(err))
		return nil, gateway.Classify("create_order", err)
	}
	span.SetAttributes(attribute.String("gateway_order_id", order.ID))

	gatewayOrderID := order.ID
	payment := models.Payment{
		SchoolID:       target.schoolID,
		UserID:         userID,
		InvoiceID:      target.invoiceID,
		OrderID:        target.orderID,
		GatewayOrderID: &gatewayOrderID,
		AmountPaid:     target.amount,
		Currency:       target.currency,
		Status:         models.PaymentStatusPending,
		Metadata:       datatypes.JSON(metadata),
	}
	if err := s.db.WithContext(ctx).Create(&payment).Error; err != nil {
		span.RecordError(err)
		s.logger.Error("Gateway order created but payment row could not be stored; orphaned gateway order needs manual reconciliation",
			zap.String("gateway_order_id", order.ID),
			zap.String("school_id", target.schoolID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	s.metrics.IncInitiated()
	s.logger.Info("Payment initiated",
		zap.String("payment_id", payment.ID.String()),
		zap.String("gateway_order_id", order.ID),
		zap.String("amount", target.amount.StringFixed(2)))

	return &InitiatePaymentResponse{
		PaymentID:      payment.ID,
		GatewayOrderID: order.ID,
		GatewayKeyID:   client.KeyID(),
		Amount:         target.amount,
		AmountMinor:    amountMinor,
		Currency:       target.currency,
		DisplayName:    school.Name,
		Description:    target.description,
	}, nil
}

func (s *PaymentService) resolveTarget(ctx context.Context, req InitiatePaymentRequest) (*paymentTarget, error) {
	db := s.db.WithContext(ctx)

	if req.InvoiceID != nil {
		var invoice models.Invoice
		if err := db.First(&invoice, "id = ?", *req.InvoiceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: invoice %s", ErrTargetNotFound, *req.InvoiceID)
			}
			return nil, fmt.Errorf("failed to load invoice: %w", err)
		}
		outstanding := invoice.Outstanding()
		if !outstanding.IsPositive() {
			return nil, fmt.Errorf("%w: invoice %s", ErrNothingDue, invoice.InvoiceNumber)
		}
		description := "Invoice " + invoice.InvoiceNumber
		if invoice.Description != "" {
			description += ": " + invoice.Description
		}
		return &paymentTarget{
			schoolID:    invoice.SchoolID,
			amount:      outstanding,
			currency:    invoice.Currency,
			description: description,
			invoiceID:   &invoice.ID,
		}, nil
	}

	var order models.Order
	if err := db.First(&order, "id = ?", *req.OrderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrTargetNotFound, *req.OrderID)
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order.Status != models.OrderPendingPayment {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, order.ID, order.Status)
	}
	description := order.Description
	if description == "" {
		description = "Order " + order.ID.String()
	}
	return &paymentTarget{
		schoolID:    order.SchoolID,
		amount:      order.TotalAmount,
		currency:    order.Currency,
		description: description,
		orderID:     &order.ID,
	}, nil
}

// receipt is a timestamp-derived id within the gateway's 40 character limit.
func (s *PaymentService) receipt() string {
	r := "rcpt_" + strconv.FormatInt(s.now().UnixNano(), 36)
	if len(r) > maxReceiptLength {
		r = r[:maxReceiptLength]
	}
	return r
}

// VerifyPayment checks the checkout signature and captures the payment.
// A payment that is already captured is returned as is, with no writes and no
// gateway calls. On a signature mismatch the payment is committed as failed
// before ErrInvalidSignature is returned.
func (s *PaymentService) VerifyPayment(ctx context.Context, req VerifyPaymentRequest, userID uuid.UUID) (*models.Payment, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "verify_payment")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment_id", req.PaymentID.String()),
		attribute.String("gateway_order_id", req.GatewayOrderID))

	existing, err := s.GetPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if !matchesGatewayOrder(existing, req.GatewayOrderID) {
		return nil, ErrOrderMismatch
	}
	if existing.Status == models.PaymentStatusCaptured {
		return existing, nil
	}

	var (
		result         *models.Payment
		signatureFault bool
		alreadyDone    bool
	)
	in := capture{
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        &req.Signature,
		Source:           "verify",
		AllocatedBy:      userID,
	}
	// Looked up before the row lock; the gateway call may take the full timeout.
	in.Method = s.fetchMethod(ctx, existing.SchoolID, req.GatewayPaymentID)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := lockPayment(tx, req.PaymentID)
		if err != nil {
			return err
		}
		switch payment.Status {
		case models.PaymentStatusCaptured:
			result, alreadyDone = payment, true
			return nil
		case models.PaymentStatusPending:
		default:
			return fmt.Errorf("%w: status is %s", ErrNotVerifiable, payment.Status)
		}
		if !matchesGatewayOrder(payment, req.GatewayOrderID) {
			return ErrOrderMismatch
		}

		secret, err := s.provider.KeySecret(ctx, tx, payment.SchoolID)
		if err != nil {
			return err
		}
		ok, err := s.verifier.VerifyPaymentSignature(req.GatewayOrderID, req.GatewayPaymentID, req.Signature, secret)
		if err != nil {
			return unavailable("verify_payment_signature", err)
		}
		if !ok {
			payment.Fail("payment signature verification failed")
			payment.GatewayPaymentID = &req.GatewayPaymentID
			if err := tx.Save(payment).Error; err != nil {
				return fmt.Errorf("failed to mark payment failed: %w", err)
			}
			result, signatureFault = payment, true
			return nil
		}

		return s.captureAndSettle(ctx, tx, payment, in)
	})

	switch {
	case alreadyDone:
		return result, nil
	case signatureFault:
		span.RecordError(ErrInvalidSignature)
		s.metrics.IncSignatureFailure()
		s.logger.Warn("Payment signature mismatch",
			zap.String("payment_id", result.ID.String()),
			zap.String("gateway_order_id", req.GatewayOrderID))
		s.publish(ctx, eventbus.TopicPaymentFailed, result, "verify", "invalid signature")
		return result, ErrInvalidSignature
	}

	outcome, err := s.completeCapture(ctx, req.PaymentID, in, txErr)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return outcome.Payment, outcome.Err()
}

// GetPayment loads one payment.
func (s *PaymentService) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).First(&payment, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return &payment, nil
}

// captureAndSettle marks the payment captured and settles its target inside tx.
// An allocation error is returned as *AllocationFailure and must roll tx back.
func (s *PaymentService) captureAndSettle(ctx context.Context, tx *gorm.DB, payment *models.Payment, in capture) error {
	applyCapture(payment, in)
	payment.ErrorDescription = nil
	if err := tx.Save(payment).Error; err != nil {
		return fmt.Errorf("failed to capture payment: %w", err)
	}

	if payment.IsInvoicePayment() {
		allocatedBy := in.AllocatedBy
		if allocatedBy == uuid.Nil {
			allocatedBy = payment.UserID
		}
		if _, err := s.invoices.AllocatePaymentTx(ctx, tx, payment.ID, allocatedBy); err != nil {
			return &AllocationFailure{PaymentID: payment.ID, Err: err}
		}
		return nil
	}

	var order models.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", *payment.OrderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Error("Captured payment references a missing order",
			zap.String("payment_id", payment.ID.String()),
			zap.String("order_id", uuidString(payment.OrderID)))
		payment.Fail(fmt.Sprintf("order %s not found for captured payment", uuidString(payment.OrderID)))
		return tx.Save(payment).Error
	}
	if err != nil {
		return fmt.Errorf("failed to load order: %w", err)
	}

	if order.Status != models.OrderPendingPayment {
		s.logger.Warn("Order not awaiting payment; leaving status unchanged",
			zap.String("payment_id", payment.ID.String()),
			zap.String("order_id", order.ID.String()),
			zap.String("order_status", string(order.Status)))
		return nil
	}
	if err := tx.Model(&order).Update("status", models.OrderProcessing).Error; err != nil {
		return fmt.Errorf("failed to advance order: %w", err)
	}
	return nil
}

// completeCapture is the second phase of a capture attempt made in its own
// transaction. An allocation failure is recorded in a fresh transaction.
func (s *PaymentService) completeCapture(ctx context.Context, paymentID uuid.UUID, in capture, txErr error) (CaptureOutcome, error) {
	var allocErr *AllocationFailure
	if txErr != nil && !errors.As(txErr, &allocErr) {
		return CaptureOutcome{}, txErr
	}

	if allocErr != nil {
		var payment *models.Payment
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			payment, err = s.markAllocationFailedTx(tx, paymentID, in, allocErr)
			return err
		})
		if err != nil {
			s.logger.Error("Failed to record allocation failure",
				zap.String("payment_id", paymentID.String()),
				zap.NamedError("allocation_error", allocErr.Err),
				zap.Error(err))
			return CaptureOutcome{}, fmt.Errorf("failed to record allocation failure: %w", err)
		}
		s.alertAllocationFailure(ctx, payment, allocErr, in.Source)
		return CaptureOutcome{Payment: payment, AllocationFailure: allocErr}, nil
	}

	payment, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return CaptureOutcome{}, err
	}
	s.announceCapture(ctx, payment, in.Source)
	return CaptureOutcome{Payment: payment}, nil
}

// markAllocationFailedTx records a captured payment whose allocation rolled back.
func (s *PaymentService) markAllocationFailedTx(tx *gorm.DB, paymentID uuid.UUID, in capture, allocErr *AllocationFailure) (*models.Payment, error) {
	payment, err := lockPayment(tx, paymentID)
	if err != nil {
		return nil, err
	}
	applyCapture(payment, in)
	payment.Status = models.PaymentStatusCapturedAllocationFailed
	reason := allocErr.Err.Error()
	payment.ErrorDescription = &reason
	if err := tx.Save(payment).Error; err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *PaymentService) alertAllocationFailure(ctx context.Context, payment *models.Payment, allocErr *AllocationFailure, source string) {
	s.metrics.IncAllocationFailure()
	logger.Alert(s.logger, "payment captured at gateway but allocation failed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("gateway_order_id", derefString(payment.GatewayOrderID)),
		zap.String("gateway_payment_id", derefString(payment.GatewayPaymentID)),
		zap.String("school_id", payment.SchoolID.String()),
		zap.String("source", source),
		zap.Error(allocErr.Err))
	s.publish(ctx, eventbus.TopicPaymentAllocationFailed, payment, source, allocErr.Err.Error())
}

// announceCapture publishes the committed result of a capture-and-settle.
func (s *PaymentService) announceCapture(ctx context.Context, payment *models.Payment, source string) {
	if payment.Status == models.PaymentStatusFailed {
		s.publish(ctx, eventbus.TopicPaymentFailed, payment, source, derefString(payment.ErrorDescription))
		return
	}
	s.metrics.IncCaptured()
	s.logger.Info("Payment captured",
		zap.String("payment_id", payment.ID.String()),
		zap.String("gateway_payment_id", derefString(payment.GatewayPaymentID)),
		zap.String("source", source))
	s.publish(ctx, eventbus.TopicPaymentCaptured, payment, source, "")
}

func (s *PaymentService) fetchMethod(ctx context.Context, schoolID uuid.UUID, gatewayPaymentID string) string {
	client, err := s.provider.Client(ctx, s.db, schoolID)
	if err != nil {
		s.logger.Warn("Skipping payment method lookup", zap.String("gateway_payment_id", gatewayPaymentID), zap.Error(err))
		return ""
	}
	details, err := client.FetchPayment(ctx, gatewayPaymentID)
	if err != nil {
		s.logger.Warn("Payment method lookup failed", zap.String("gateway_payment_id", gatewayPaymentID), zap.Error(err))
		return ""
	}
	return details.Method
}

// publish is fire-and-forget; the ledger is already committed.
func (s *PaymentService) publish(ctx context.Context, topic string, payment *models.Payment, source, errMsg string) {
	if s.bus == nil {
		return
	}
	event := eventbus.PaymentEvent{
		PaymentID:        payment.ID.String(),
		SchoolID:         payment.SchoolID.String(),
		InvoiceID:        uuidString(payment.InvoiceID),
		OrderID:          uuidString(payment.OrderID),
		GatewayOrderID:   derefString(payment.GatewayOrderID),
		GatewayPaymentID: derefString(payment.GatewayPaymentID),
		Status:           string(payment.Status),
		Amount:           payment.AmountPaid.StringFixed(2),
		Currency:         payment.Currency,
		Source:           source,
		Error:            errMsg,
		OccurredAt:       s.now(),
	}
	if err := s.bus.Publish(ctx, topic, event); err != nil {
		s.logger.Warn("Failed to publish payment event",
			zap.String("topic", topic),
			zap.String("payment_id", event.PaymentID),
			zap.Error(err))
	}
}

func lockPayment(tx *gorm.DB, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&payment, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to lock payment: %w", err)
	}
	return &payment, nil
}

func applyCapture(payment *models.Payment, in capture) {
	payment.Status = models.PaymentStatusCaptured
	if in.GatewayPaymentID != "" {
		id := in.GatewayPaymentID
		payment.GatewayPaymentID = &id
	}
	if in.Signature != nil {
		payment.GatewaySignature = in.Signature
	}
	if in.Method != "" {
		method := in.Method
		payment.Method = &method
	}
}

func matchesGatewayOrder(payment *models.Payment, gatewayOrderID string) bool {
	return payment.GatewayOrderID != nil && *payment.GatewayOrderID == gatewayOrderID
}

func unavailable(op string, err error) error {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return err
	}
	return &gateway.Error{Kind: gateway.KindUnavailable, Op: op, Err: err}
}

func uuidString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
