package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/school-payments/internal/eventbus"
	"github.com/sambitmohanty1/school-payments/internal/gateway"
	"github.com/sambitmohanty1/school-payments/internal/models"
)

const (
	DefaultStaleAfter = time.Hour
	DefaultBatchSize  = 100

	reconciledNotCaptured = "reconciled: not captured"
)

// ReconcileOptions bounds one sweep. Zero values take the defaults.
type ReconcileOptions struct {
	StaleAfter time.Duration
	BatchSize  int
}

// ReconciliationResult counts what one sweep did.
type ReconciliationResult struct {
	Processed    int `json:"processed"`
	Reconciled   int `json:"reconciled"`
	MarkedFailed int `json:"marked_failed"`
	Skipped      int `json:"skipped"`
	Errors       int `json:"errors"`
}

type reconcileAction int

const (
	actionSkipped reconcileAction = iota
	actionReconciled
	actionMarkedFailed
)

// ReconciliationService converges stale pending payments with the gateway's view.
type ReconciliationService struct {
	db       *gorm.DB
	payments *PaymentService
	provider CredentialProvider
	metrics  *PaymentMetrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewReconciliationService(db *gorm.DB, payments *PaymentService, provider CredentialProvider, metrics *PaymentMetrics, logger *zap.Logger) *ReconciliationService {
	return &ReconciliationService{
		db:       db,
		payments: payments,
		provider: provider,
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer("reconciliation-service"),
		now:      time.Now,
	}
}

// Reconcile sweeps one batch of stale pending payments, least recently tried
// first. Each payment commits on its own; per-payment errors are logged and
// counted, and a payment left pending goes to the back of the queue.
func (s *ReconciliationService) Reconcile(ctx context.Context, opts ReconcileOptions) (ReconciliationResult, error) {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	ctx, span := s.tracer.Start(ctx, "reconcile_payments")
	defer span.End()

	var result ReconciliationResult
	cutoff := s.now().Add(-opts.StaleAfter)

	var stale []models.Payment
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ? AND gateway_order_id IS NOT NULL", models.PaymentStatusPending, cutoff).
		Order("COALESCE(reconcile_attempted_at, created_at) ASC, created_at ASC").
		Limit(opts.BatchSize).
		Find(&stale).Error
	if err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("failed to load stale payments: %w", err)
	}

	for i := range stale {
		if ctx.Err() != nil {
			break
		}
		payment := &stale[i]
		result.Processed++

		action, err := s.reconcileOne(ctx, payment)
		if err != nil || action == actionSkipped {
			s.recordAttempt(ctx, payment.ID)
		}
		if err != nil {
			result.Errors++
			s.logger.Error("Failed to reconcile payment",
				zap.String("payment_id", payment.ID.String()),
				zap.String("gateway_order_id", derefString(payment.GatewayOrderID)),
				zap.Bool("retryable", gateway.IsRetryable(err)),
				zap.Error(err))
			continue
		}
		switch action {
		case actionReconciled:
			result.Reconciled++
		case actionMarkedFailed:
			result.MarkedFailed++
		default:
			result.Skipped++
		}
	}

	span.SetAttributes(
		attribute.Int("processed", result.Processed),
		attribute.Int("reconciled", result.Reconciled),
		attribute.Int("marked_failed", result.MarkedFailed),
		attribute.Int("errors", result.Errors))
	s.metrics.RecordReconcile(result)
	s.logger.Info("Reconciliation sweep finished",
		zap.Int("processed", result.Processed),
		zap.Int("reconciled", result.Reconciled),
		zap.Int("marked_failed", result.MarkedFailed),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", result.Errors))
	return result, nil
}

func (s *ReconciliationService) reconcileOne(ctx context.Context, stale *models.Payment) (reconcileAction, error) {
	gatewayOrderID := derefString(stale.GatewayOrderID)

	client, err := s.provider.Client(ctx, s.db, stale.SchoolID)
	if err != nil {
		return actionSkipped, err
	}
	gatewayPayments, err := client.OrderPayments(ctx, gatewayOrderID)
	if err != nil {
		return actionSkipped, err
	}

	var captured *gateway.PaymentDetails
	inFlight := false
	for i := range gatewayPayments {
		gp := &gatewayPayments[i]
		if gp.IsCaptured() {
			captured = gp
			break
		}
		if gp.InFlight() {
			inFlight = true
		}
	}

	if captured == nil && inFlight {
		s.logger.Info("Gateway payment still in flight; leaving pending",
			zap.String("payment_id", stale.ID.String()),
			zap.String("gateway_order_id", gatewayOrderID))
		return actionSkipped, nil
	}

	if captured == nil {
		return s.markNotCaptured(ctx, stale.ID)
	}

	in := capture{
		GatewayPaymentID: captured.ID,
		Method:           captured.Method,
		Source:           "reconciliation",
	}
	resolved := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := lockPayment(tx, stale.ID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentStatusPending {
			resolved = true
			return nil
		}
		return s.payments.captureAndSettle(ctx, tx, payment, in)
	})
	if resolved {
		return actionSkipped, nil
	}

	outcome, err := s.payments.completeCapture(ctx, stale.ID, in, txErr)
	if err != nil {
		return actionSkipped, err
	}
	s.payments.publish(ctx, eventbus.TopicPaymentReconciled, outcome.Payment, in.Source, errString(outcome.Err()))

	if outcome.Payment.Status == models.PaymentStatusFailed {
		return actionMarkedFailed, nil
	}
	s.logger.Info("Reconciled missed capture",
		zap.String("payment_id", stale.ID.String()),
		zap.String("gateway_payment_id", captured.ID),
		zap.String("status", string(outcome.Payment.Status)))
	return actionReconciled, nil
}

func (s *ReconciliationService) markNotCaptured(ctx context.Context, paymentID uuid.UUID) (reconcileAction, error) {
	var payment *models.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := lockPayment(tx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != models.PaymentStatusPending {
			return nil
		}
		p.Fail(reconciledNotCaptured)
		if err := tx.Save(p).Error; err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return actionSkipped, err
	}
	if payment == nil {
		return actionSkipped, nil
	}

	s.logger.Info("Marked stale payment failed",
		zap.String("payment_id", paymentID.String()),
		zap.String("gateway_order_id", derefString(payment.GatewayOrderID)))
	s.payments.publish(ctx, eventbus.TopicPaymentFailed, payment, "reconciliation", reconciledNotCaptured)
	s.payments.publish(ctx, eventbus.TopicPaymentReconciled, payment, "reconciliation", reconciledNotCaptured)
	return actionMarkedFailed, nil
}

// recordAttempt stamps a payment that is still pending so the next sweep
// reaches newer stale payments first.
func (s *ReconciliationService) recordAttempt(ctx context.Context, paymentID uuid.UUID) {
	err := s.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND status = ?", paymentID, models.PaymentStatusPending).
		UpdateColumn("reconcile_attempted_at", s.now()).Error
	if err != nil {
		s.logger.Warn("Failed to record reconcile attempt",
			zap.String("payment_id", paymentID.String()),
			zap.Error(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

