package services

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sambitmohanty1/school-payments/internal/eventbus"
	"github.com/sambitmohanty1/school-payments/internal/gateway"
	"github.com/sambitmohanty1/school-payments/internal/gateway/gatewaytest"
	"github.com/sambitmohanty1/school-payments/internal/models"
)

func TestHandleWebhook_CapturesPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	invoice, items := env.seedInvoice(t, "100", "50", "30")
	payment := env.seedPayment(t, &invoice.ID, nil, "120", "order_wh1", time.Now())

	body := capturedWebhook("pay_wh1", "order_wh1", 1700000000)
	result, err := env.webhooks.HandleWebhook(ctx, body, gatewaytest.SignWebhook(body, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, result.Status)
	assert.Equal(t, "payment.captured_pay_wh1_1700000000", result.EventID)
	require.NotNil(t, result.PaymentID)
	assert.Equal(t, payment.ID, *result.PaymentID)

	stored := env.reloadPayment(t, payment.ID)
	assert.Equal(t, models.PaymentStatusCaptured, stored.Status)
	assert.Equal(t, "pay_wh1", *stored.GatewayPaymentID)
	assert.Equal(t, "card", *stored.Method)

	paid := env.allocationsFor(t, items)
	assert.Equal(t, "100.00", paid[items[0].ID].StringFixed(2))
	assert.Equal(t, "20.00", paid[items[1].ID].StringFixed(2))

	var event models.GatewayWebhookEvent
	require.NoError(t, env.db.First(&event, "event_id = ?", result.EventID).Error)
	assert.Equal(t, models.WebhookEventProcessed, event.Status)
	assert.NotNil(t, event.ProcessedAt)
	assert.JSONEq(t, string(body), string(event.Payload))

	events := env.bus.Events(eventbus.TopicPaymentCaptured)
	require.Len(t, events, 1)
	assert.Equal(t, "webhook", events[0].Source)
}

func TestHandleWebhook_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	invoice, _ := env.seedInvoice(t, "100")
	env.seedPayment(t, &invoice.ID, nil, "100", "order_dup", time.Now())

	body := capturedWebhook("pay_dup", "order_dup", 1700000100)
	sig := gatewaytest.SignWebhook(body, testWebhookSecret)

	first, err := env.webhooks.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, first.Status)

	second, err := env.webhooks.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, second.Status)
	assert.Equal(t, first.PaymentID, second.PaymentID)

	assert.Equal(t, int64(1), env.count(t, &models.GatewayWebhookEvent{}))
	assert.Equal(t, int64(1), env.count(t, &models.PaymentAllocation{}))
	assert.Equal(t, "100.00", env.reloadInvoice(t, invoice.ID).AmountPaid.StringFixed(2))
	assert.Equal(t, int64(1), env.metrics.Snapshot().WebhookDuplicates)
}

func TestHandleWebhook_AlreadyCapturedByVerify(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	invoice, _ := env.seedInvoice(t, "100")
	payment := env.seedPayment(t, &invoice.ID, nil, "100", "order_both", time.Now())
	_, err := env.payments.VerifyPayment(ctx, verifyRequest(payment.ID, "order_both", "pay_both", testKeySecret), env.user)
	require.NoError(t, err)

	body := capturedWebhook("pay_both", "order_both", 1700000200)
	result, err := env.webhooks.HandleWebhook(ctx, body, gatewaytest.SignWebhook(body, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, result.Status)
	assert.Equal(t, int64(1), env.count(t, &models.PaymentAllocation{}))
	assert.Len(t, env.bus.Events(eventbus.TopicPaymentCaptured), 1)
}

func TestHandleWebhook_UnsupportedEvent(t *testing.T) {
	env := newTestEnv(t)

	body := []byte(`{"event":"refund.processed","created_at":1700000300,"payload":{}}`)
	result, err := env.webhooks.HandleWebhook(context.Background(), body, "irrelevant")
	require.ErrorIs(t, err, ErrUnsupportedEvent)
	require.NotNil(t, result)
	assert.Equal(t, WebhookUnsupported, result.Status)
	assert.Equal(t, "refund.processed", result.EventType)
	assert.Zero(t, env.count(t, &models.GatewayWebhookEvent{}))
}

func TestHandleWebhook_InvalidPayload(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.webhooks.HandleWebhook(context.Background(), []byte(`{not json`), "sig")
	assert.ErrorIs(t, err, ErrInvalidWebhookPayload)

	_, err = env.webhooks.HandleWebhook(context.Background(), []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{}}}}`), "sig")
	assert.ErrorIs(t, err, ErrInvalidWebhookPayload)
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	invoice, _ := env.seedInvoice(t, "100")
	payment := env.seedPayment(t, &invoice.ID, nil, "100", "order_badsig", time.Now())

	body := capturedWebhook("pay_badsig", "order_badsig", 1700000400)
	result, err := env.webhooks.HandleWebhook(ctx, body, gatewaytest.SignWebhook(body, "wrong"))
	require.NoError(t, err)
	assert.Equal(t, WebhookFailed, result.Status)
	assert.Contains(t, result.Error, "signature")

	assert.Equal(t, models.PaymentStatusPending, env.reloadPayment(t, payment.ID).Status)
	assert.Zero(t, env.count(t, &models.PaymentAllocation{}))
	assert.Equal(t, int64(1), env.metrics.Snapshot().WebhooksFailed)
}

func TestHandleWebhook_SignsRawBytes(t *testing.T) {
	env := newTestEnv(t)

	invoice, _ := env.seedInvoice(t, "100")
	payment := env.seedPayment(t, &invoice.ID, nil, "100", "order_raw", time.Now())

	body := capturedWebhook("pay_raw", "order_raw", 1700000500)
	sig := gatewaytest.SignWebhook(body, testWebhookSecret)
	// same JSON document, different bytes
	reformatted := bytes.Replace(body, []byte(`"entity":"event",`), []byte(`"entity": "event", `), 1)

	result, err := env.webhooks.HandleWebhook(context.Background(), reformatted, sig)
	require.NoError(t, err)
	assert.Equal(t, WebhookFailed, result.Status)
	assert.Equal(t, models.PaymentStatusPending, env.reloadPayment(t, payment.ID).Status)
}

func TestHandleWebhook_UnknownGatewayOrder(t *testing.T) {
	env := newTestEnv(t)

	body := capturedWebhook("pay_nowhere", "order_nowhere", 1700000600)
	result, err := env.webhooks.HandleWebhook(context.Background(), body, gatewaytest.SignWebhook(body, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookFailed, result.Status)
	assert.Contains(t, result.Error, "order_nowhere")
	assert.Nil(t, result.PaymentID)
}

func TestHandleWebhook_FailedEventIsReprocessed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	invoice, _ := env.seedInvoice(t, "100")
	payment := env.seedPayment(t, &invoice.ID, nil, "100", "order_retry", time.Now())

	body := capturedWebhook("pay_retry", "order_retry", 1700000700)
	result, err := env.webhooks.HandleWebhook(ctx, body, gatewaytest.SignWebhook(body, "stale-secret"))
	require.NoError(t, err)
	require.Equal(t, WebhookFailed, result.Status)

	result, err = env.webhooks.HandleWebhook(ctx, body, gatewaytest.SignWebhook(body, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, result.Status)
	assert.Empty(t, result.Error)

	var event models.GatewayWebhookEvent
	require.NoError(t, env.db.First(&event, "event_id = ?", result.EventID).Error)
	assert.Equal(t, 2, event.Attempts)
	assert.Nil(t, event.ProcessingError)
	assert.Equal(t, int64(1), env.count(t, &models.GatewayWebhookEvent{}))
	assert.Equal(t, models.PaymentStatusCaptured, env.reloadPayment(t, payment.ID).Status)
}

func TestHandleWebhook_AllocationFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	invoice, _ := env.seedInvoice(t, "100")
	payment := env.seedPayment(t, &invoice.ID, nil, "130", "order_whalloc", time.Now())

	body := capturedWebhook("pay_whalloc", "order_whalloc", 1700000800)
	result, err := env.webhooks.HandleWebhook(ctx, body, gatewaytest.SignWebhook(body, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookFailed, result.Status)
	assert.Contains(t, result.Error, "unallocated")

	stored := env.reloadPayment(t, payment.ID)
	assert.Equal(t, models.PaymentStatusCapturedAllocationFailed, stored.Status)
	assert.Equal(t, "pay_whalloc", *stored.GatewayPaymentID)
	assert.Zero(t, env.count(t, &models.PaymentAllocation{}))
	assert.Len(t, env.bus.Events(eventbus.TopicPaymentAllocationFailed), 1)
	assert.Equal(t, models.InvoiceUnpaid, env.reloadInvoice(t, invoice.ID).PaymentStatus)
}

func TestHandleWebhook_SecretUnavailableAborts(t *testing.T) {
	t.Run("no webhook secret", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.db.Model(&env.school).Update("razorpay_webhook_secret_encrypted", nil).Error)

		invoice, _ := env.seedInvoice(t, "100")
		env.seedPayment(t, &invoice.ID, nil, "100", "order_nosecret", time.Now())

		body := capturedWebhook("pay_nosecret", "order_nosecret", 1700000900)
		_, err := env.webhooks.HandleWebhook(context.Background(), body, gatewaytest.SignWebhook(body, testWebhookSecret))
		require.ErrorIs(t, err, gateway.ErrNotConfigured)
		assert.Zero(t, env.count(t, &models.GatewayWebhookEvent{}))
	})

	t.Run("verifier down", func(t *testing.T) {
		env := newTestEnv(t, withVerifier(gatewaytest.FailingVerifier{Err: errors.New("hsm offline")}))

		invoice, _ := env.seedInvoice(t, "100")
		env.seedPayment(t, &invoice.ID, nil, "100", "order_hsm", time.Now())

		body := capturedWebhook("pay_hsm", "order_hsm", 1700001000)
		_, err := env.webhooks.HandleWebhook(context.Background(), body, "sig")
		require.Error(t, err)
		assert.Equal(t, gateway.KindUnavailable, gatewayKind(err))
		assert.Zero(t, env.count(t, &models.GatewayWebhookEvent{}))
	})
}

func TestEventID(t *testing.T) {
	assert.Equal(t, "payment.captured_pay_1_42", EventID("payment.captured", "pay_1", 42))
}
