package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/school-payments/internal/auth"
	"github.com/sambitmohanty1/school-payments/internal/models"
	"github.com/sambitmohanty1/school-payments/internal/services"
)

const (
	SignatureHeader = "X-Razorpay-Signature"
	maxWebhookBody  = 1 << 20
)

// PaymentAPI is what the payment endpoints need from the payment service.
type PaymentAPI interface {
	InitiatePayment(ctx context.Context, req services.InitiatePaymentRequest, userID uuid.UUID) (*services.InitiatePaymentResponse, error)
	VerifyPayment(ctx context.Context, req services.VerifyPaymentRequest, userID uuid.UUID) (*models.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
}

type WebhookAPI interface {
	HandleWebhook(ctx context.Context, rawBody []byte, signature string) (*services.WebhookResult, error)
}

type ReconcileAPI interface {
	Reconcile(ctx context.Context, opts services.ReconcileOptions) (services.ReconciliationResult, error)
}

// Handlers serves the payment endpoints.
type Handlers struct {
	payments   PaymentAPI
	webhooks   WebhookAPI
	recon      ReconcileAPI
	monitoring *services.MonitoringService
	logger     *zap.Logger
}

func NewHandlers(payments PaymentAPI, webhooks WebhookAPI, recon ReconcileAPI, monitoring *services.MonitoringService, logger *zap.Logger) *Handlers {
	return &Handlers{
		payments:   payments,
		webhooks:   webhooks,
		recon:      recon,
		monitoring: monitoring,
		logger:     logger,
	}
}

// InitiatePayment creates a gateway order for an invoice or an order.
func (h *Handlers) InitiatePayment(c *gin.Context) {
	var req services.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := h.payments.InitiatePayment(c.Request.Context(), req, callerID(c))
	if err != nil {
		h.respondError(c, "initiate payment", err)
		return
	}
	created(c, resp)
}

// VerifyPayment completes a checkout from the client callback.
func (h *Handlers) VerifyPayment(c *gin.Context) {
	var req services.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	payment, err := h.payments.VerifyPayment(c.Request.Context(), req, callerID(c))
	if err != nil {
		status, msg := statusFor(err)
		h.logError(c, "verify payment", status, err)
		setRetryAfter(c, err)
		if payment != nil {
			failWith(c, status, msg, payment)
			return
		}
		fail(c, status, msg)
		return
	}
	ok(c, payment)
}

// GetPayment returns one payment visible to the caller's school.
func (h *Handlers) GetPayment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid payment id")
		return
	}

	payment, err := h.payments.GetPayment(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "get payment", err)
		return
	}
	if c.GetString(ContextRole) != auth.RoleAdmin && payment.SchoolID != callerSchool(c) {
		fail(c, http.StatusNotFound, services.ErrPaymentNotFound.Error())
		return
	}
	ok(c, payment)
}

// Webhook accepts gateway notifications. Processing failures are acknowledged
// with 200 because they are recorded; only infrastructure failures ask the
// gateway to retry.
func (h *Handlers) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		fail(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	result, err := h.webhooks.HandleWebhook(c.Request.Context(), body, c.GetHeader(SignatureHeader))
	switch {
	case errors.Is(err, services.ErrUnsupportedEvent):
		h.logger.Info("Ignoring unsupported webhook event", zap.String("event_type", result.EventType))
		ok(c, result)
	case err != nil:
		h.respondError(c, "webhook", err)
	default:
		ok(c, result)
	}
}

type reconcileRequest struct {
	StaleAfter string `json:"stale_after"`
	BatchSize  int    `json:"batch_size" binding:"omitempty,min=1,max=1000"`
}

// Reconcile runs one sweep on demand.
func (h *Handlers) Reconcile(c *gin.Context) {
	var req reconcileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	opts := services.ReconcileOptions{BatchSize: req.BatchSize}
	if req.StaleAfter != "" {
		d, err := time.ParseDuration(req.StaleAfter)
		if err != nil || d <= 0 {
			fail(c, http.StatusBadRequest, "stale_after must be a positive duration")
			return
		}
		opts.StaleAfter = d
	}

	result, err := h.recon.Reconcile(c.Request.Context(), opts)
	if err != nil {
		h.respondError(c, "reconcile", err)
		return
	}
	ok(c, result)
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "school-payments",
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handlers) HealthDetailed(c *gin.Context) {
	status := h.monitoring.Check(c.Request.Context())
	code := http.StatusOK
	if status.Status == "critical" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *Handlers) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitoring.Metrics())
}

func (h *Handlers) respondError(c *gin.Context, op string, err error) {
	status, msg := statusFor(err)
	h.logError(c, op, status, err)
	setRetryAfter(c, err)
	fail(c, status, msg)
}

func (h *Handlers) logError(c *gin.Context, op string, status int, err error) {
	_ = c.Error(err)
	fields := []zap.Field{zap.String("op", op), zap.Int("status", status), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", fields...)
		return
	}
	h.logger.Warn("Request rejected", fields...)
}
