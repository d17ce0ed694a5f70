package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sambitmohanty1/school-payments/internal/gateway"
	"github.com/sambitmohanty1/school-payments/internal/models"
)

const (
	EventPaymentCaptured = "payment.captured"

	webhookProvider = "razorpay"
)

var errDuplicateEvent = errors.New("webhook event already recorded")

// Webhook outcomes reported back to the caller.
const (
	WebhookProcessed   = "processed"
	WebhookDuplicate   = "duplicate"
	WebhookFailed      = "failed"
	WebhookUnsupported = "unsupported_event"
)

// webhookEnvelope is the subset of the gateway notification we act on.
type webhookEnvelope struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment struct {
			Entity webhookPayment `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

type webhookPayment struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	Method   string `json:"method"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// WebhookResult is returned for every acknowledged webhook.
type WebhookResult struct {
	Status    string     `json:"status"`
	EventID   string     `json:"event_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	PaymentID *uuid.UUID `json:"payment_id,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// WebhookService applies gateway notifications with a durable idempotency log.
type WebhookService struct {
	db       *gorm.DB
	payments *PaymentService
	provider CredentialProvider
	verifier gateway.Verifier
	metrics  *PaymentMetrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewWebhookService(db *gorm.DB, payments *PaymentService, provider CredentialProvider, verifier gateway.Verifier, metrics *PaymentMetrics, logger *zap.Logger) *WebhookService {
	return &WebhookService{
		db:       db,
		payments: payments,
		provider: provider,
		verifier: verifier,
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer("webhook-service"),
	}
}

// EventID derives the idempotency key; the gateway sends no stable event id.
func EventID(eventType, gatewayPaymentID string, createdAt int64) string {
	return fmt.Sprintf("%s_%s_%d", eventType, gatewayPaymentID, createdAt)
}

// HandleWebhook processes one notification. The signature is checked against
// rawBody exactly as received. Processing failures are recorded on the event
// row and acknowledged; only secret or verifier infrastructure failures
// return an error that should make the gateway retry.
func (s *WebhookService) HandleWebhook(ctx context.Context, rawBody []byte, signature string) (*WebhookResult, error) {
	ctx, span := s.tracer.Start(ctx, "handle_webhook")
	defer span.End()

	s.metrics.IncWebhookReceived()

	var env webhookEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}
	span.SetAttributes(attribute.String("event_type", env.Event))

	if env.Event != EventPaymentCaptured {
		return &WebhookResult{Status: WebhookUnsupported, EventType: env.Event},
			fmt.Errorf("%w: %q", ErrUnsupportedEvent, env.Event)
	}

	entity := env.Payload.Payment.Entity
	if entity.ID == "" || entity.OrderID == "" {
		return nil, fmt.Errorf("%w: payment entity missing id or order_id", ErrInvalidWebhookPayload)
	}

	eventID := EventID(env.Event, entity.ID, env.CreatedAt)
	span.SetAttributes(attribute.String("event_id", eventID), attribute.String("gateway_order_id", entity.OrderID))
	result := &WebhookResult{EventID: eventID, EventType: env.Event}
	log := s.logger.With(zap.String("event_id", eventID), zap.String("gateway_order_id", entity.OrderID))

	var prior models.GatewayWebhookEvent
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Limit(1).Find(&prior).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check webhook idempotency: %w", err)
	}
	if prior.ID != uuid.Nil && prior.Status != models.WebhookEventFailed {
		s.metrics.IncWebhookDuplicate()
		log.Info("Duplicate webhook ignored", zap.String("prior_status", string(prior.Status)))
		result.Status = WebhookDuplicate
		result.PaymentID = prior.PaymentID
		return result, nil
	}

	in := capture{
		GatewayPaymentID: entity.ID,
		Method:           entity.Method,
		Source:           "webhook",
	}
	var (
		payment  *models.Payment
		allocErr *AllocationFailure
		captured bool
	)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event, err := s.recordReceived(tx, &prior, eventID, env.Event, rawBody)
		if err != nil {
			if isUniqueViolation(err) {
				return errDuplicateEvent
			}
			return err
		}

		var p models.Payment
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("gateway_order_id = ?", entity.OrderID).
			First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.finishEvent(tx, event, nil, fmt.Errorf("no payment for gateway order %s", entity.OrderID))
		}
		if err != nil {
			return fmt.Errorf("failed to load payment: %w", err)
		}
		payment = &p

		secret, err := s.provider.WebhookSecret(ctx, tx, p.SchoolID)
		if err != nil {
			return err
		}
		ok, err := s.verifier.VerifyWebhookSignature(rawBody, signature, secret)
		if err != nil {
			return unavailable("verify_webhook_signature", err)
		}
		if !ok {
			return s.finishEvent(tx, event, &p.ID, errors.New("invalid webhook signature"))
		}

		if p.Status == models.PaymentStatusCaptured {
			return s.finishEvent(tx, event, &p.ID, nil)
		}

		procErr := tx.Transaction(func(sp *gorm.DB) error {
			working := p
			return s.payments.captureAndSettle(ctx, sp, &working, in)
		})
		if procErr == nil {
			captured = true
			return s.finishEvent(tx, event, &p.ID, nil)
		}

		if errors.As(procErr, &allocErr) {
			if _, err := s.payments.markAllocationFailedTx(tx, p.ID, in, allocErr); err != nil {
				return fmt.Errorf("failed to record allocation failure: %w", err)
			}
		}
		return s.finishEvent(tx, event, &p.ID, procErr)
	})
	if errors.Is(txErr, errDuplicateEvent) {
		s.metrics.IncWebhookDuplicate()
		log.Info("Concurrent duplicate webhook ignored")
		result.Status = WebhookDuplicate
		return result, nil
	}
	if txErr != nil {
		span.RecordError(txErr)
		log.Error("Webhook transaction aborted", zap.Error(txErr))
		return nil, txErr
	}

	var stored models.GatewayWebhookEvent
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("failed to reload webhook event: %w", err)
	}
	result.Status = string(stored.Status)
	result.PaymentID = stored.PaymentID
	if stored.ProcessingError != nil {
		result.Error = *stored.ProcessingError
	}

	switch {
	case allocErr != nil:
		s.metrics.IncWebhookFailed()
		if fresh, err := s.payments.GetPayment(ctx, payment.ID); err == nil {
			s.payments.alertAllocationFailure(ctx, fresh, allocErr, in.Source)
		}
	case captured:
		if fresh, err := s.payments.GetPayment(ctx, payment.ID); err == nil {
			s.payments.announceCapture(ctx, fresh, in.Source)
		}
	case stored.Status == models.WebhookEventFailed:
		s.metrics.IncWebhookFailed()
		log.Warn("Webhook processing failed", zap.String("error", result.Error))
	}
	return result, nil
}

// recordReceived inserts the event row, or resets a previously failed one.
func (s *WebhookService) recordReceived(tx *gorm.DB, prior *models.GatewayWebhookEvent, eventID, eventType string, rawBody []byte) (*models.GatewayWebhookEvent, error) {
	if prior.ID != uuid.Nil {
		event := *prior
		err := tx.Model(&event).Updates(map[string]interface{}{
			"status":           models.WebhookEventReceived,
			"payload":          datatypes.JSON(rawBody),
			"processing_error": nil,
			"attempts":         gorm.Expr("attempts + 1"),
			"received_at":      time.Now(),
		}).Error
		if err != nil {
			return nil, fmt.Errorf("failed to reset webhook event: %w", err)
		}
		return &event, nil
	}

	event := models.GatewayWebhookEvent{
		EventID:   eventID,
		EventType: eventType,
		Provider:  webhookProvider,
		Status:    models.WebhookEventReceived,
		Payload:   datatypes.JSON(rawBody),
		Attempts:  1,
	}
	if err := tx.Create(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// finishEvent marks the event processed, or failed when procErr is set.
func (s *WebhookService) finishEvent(tx *gorm.DB, event *models.GatewayWebhookEvent, paymentID *uuid.UUID, procErr error) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":       models.WebhookEventProcessed,
		"processed_at": now,
	}
	if paymentID != nil {
		updates["payment_id"] = *paymentID
	}
	if procErr != nil {
		updates["status"] = models.WebhookEventFailed
		updates["processing_error"] = procErr.Error()
	}
	if err := tx.Model(event).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}
