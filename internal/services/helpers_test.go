package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/school-payments/internal/config"
	"github.com/sambitmohanty1/school-payments/internal/database"
	"github.com/sambitmohanty1/school-payments/internal/eventbus"
	"github.com/sambitmohanty1/school-payments/internal/gateway"
	"github.com/sambitmohanty1/school-payments/internal/gateway/gatewaytest"
	"github.com/sambitmohanty1/school-payments/internal/models"
	"github.com/sambitmohanty1/school-payments/internal/secrets"
)

const (
	testKeySecret     = "rzp_secret_abc"
	testWebhookSecret = "whsec_school"
)

type testEnv struct {
	db       *gorm.DB
	fake     *gatewaytest.FakeClient
	bus      *eventbus.MemoryEventBus
	metrics  *PaymentMetrics
	logs     *observer.ObservedLogs
	provider *gateway.Provider

	invoices *InvoiceService
	payments *PaymentService
	webhooks *WebhookService
	recon    *ReconciliationService

	school models.School
	user   uuid.UUID
}

type envOption func(*envSettings)

type envSettings struct {
	verifier gateway.Verifier
	noCreds  bool
}

func withVerifier(v gateway.Verifier) envOption {
	return func(s *envSettings) { s.verifier = v }
}

func withoutCredentials() envOption {
	return func(s *envSettings) { s.noCreds = true }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	settings := envSettings{verifier: gateway.RazorpayVerifier{}}
	for _, opt := range opts {
		opt(&settings)
	}

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()[:8]),
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	cipher, err := secrets.NewCipherFromBase64(key)
	require.NoError(t, err)

	school := models.School{Name: "Greenfield Public School"}
	if !settings.noCreds {
		school.RazorpayKeyIDEncrypted = seal(t, cipher, "rzp_test_key")
		school.RazorpayKeySecretEncrypted = seal(t, cipher, testKeySecret)
		school.RazorpayWebhookSecretEncrypted = seal(t, cipher, testWebhookSecret)
	}
	require.NoError(t, db.Create(&school).Error)

	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	fake := gatewaytest.NewFakeClient()
	provider := gateway.NewProvider(cipher, gateway.ProviderOptions{NewClient: fake.Factory()}, logger)
	bus := eventbus.NewMemoryEventBus(logger)
	metrics := NewPaymentMetrics()

	invoices := NewInvoiceService(db, logger)
	payments := NewPaymentService(db, provider, settings.verifier, invoices, bus, metrics, logger)

	return &testEnv{
		db:       db,
		fake:     fake,
		bus:      bus,
		metrics:  metrics,
		logs:     logs,
		provider: provider,
		invoices: invoices,
		payments: payments,
		webhooks: NewWebhookService(db, payments, provider, settings.verifier, metrics, logger),
		recon:    NewReconciliationService(db, payments, provider, metrics, logger),
		school:   school,
		user:     uuid.New(),
	}
}

// gatewayKind returns the Kind of a gateway error, or -1 for anything else.
func gatewayKind(err error) gateway.Kind {
	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		return gateway.Kind(-1)
	}
	return gwErr.Kind
}

func seal(t *testing.T, cipher *secrets.Cipher, plaintext string) *string {
	t.Helper()
	token, err := cipher.Encrypt(plaintext)
	require.NoError(t, err)
	return &token
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedInvoice creates an invoice whose items have the given final amounts, in line order.
func (e *testEnv) seedInvoice(t *testing.T, amounts ...string) (*models.Invoice, []models.InvoiceItem) {
	t.Helper()

	due := decimal.Zero
	items := make([]models.InvoiceItem, len(amounts))
	for i, a := range amounts {
		items[i] = models.InvoiceItem{
			LineNo:         i + 1,
			FeeComponent:   fmt.Sprintf("component-%d", i+1),
			OriginalAmount: dec(a),
			DiscountAmount: decimal.Zero,
			FinalAmount:    dec(a),
		}
		due = due.Add(dec(a))
	}
	invoice := models.Invoice{
		SchoolID:      e.school.ID,
		StudentID:     uuid.New(),
		InvoiceNumber: "INV-" + uuid.NewString()[:6],
		Description:   "Term 1 fees",
		Currency:      "INR",
		AmountDue:     due,
		AmountPaid:    decimal.Zero,
	}
	require.NoError(t, e.db.Create(&invoice).Error)
	for i := range items {
		items[i].InvoiceID = invoice.ID
		require.NoError(t, e.db.Create(&items[i]).Error)
	}
	return &invoice, items
}

func (e *testEnv) seedOrder(t *testing.T, total string, status models.OrderStatus) *models.Order {
	t.Helper()
	order := models.Order{
		SchoolID:    e.school.ID,
		UserID:      e.user,
		Description: "Uniform set",
		TotalAmount: dec(total),
		Currency:    "INR",
		Status:      status,
	}
	require.NoError(t, e.db.Create(&order).Error)
	return &order
}

// seedPayment inserts a pending payment directly, bypassing the gateway.
func (e *testEnv) seedPayment(t *testing.T, invoiceID, orderID *uuid.UUID, amount, gatewayOrderID string, createdAt time.Time) *models.Payment {
	t.Helper()
	payment := models.Payment{
		SchoolID:       e.school.ID,
		UserID:         e.user,
		InvoiceID:      invoiceID,
		OrderID:        orderID,
		GatewayOrderID: &gatewayOrderID,
		AmountPaid:     dec(amount),
		Currency:       "INR",
		Status:         models.PaymentStatusPending,
		CreatedAt:      createdAt,
	}
	require.NoError(t, e.db.Create(&payment).Error)
	return &payment
}

func (e *testEnv) initiateInvoice(t *testing.T, invoiceID uuid.UUID) *InitiatePaymentResponse {
	t.Helper()
	resp, err := e.payments.InitiatePayment(context.Background(), InitiatePaymentRequest{InvoiceID: &invoiceID}, e.user)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) reloadPayment(t *testing.T, id uuid.UUID) models.Payment {
	t.Helper()
	var p models.Payment
	require.NoError(t, e.db.First(&p, "id = ?", id).Error)
	return p
}

func (e *testEnv) reloadInvoice(t *testing.T, id uuid.UUID) models.Invoice {
	t.Helper()
	var inv models.Invoice
	require.NoError(t, e.db.First(&inv, "id = ?", id).Error)
	return inv
}

func (e *testEnv) allocationsFor(t *testing.T, items []models.InvoiceItem) map[uuid.UUID]decimal.Decimal {
	t.Helper()
	out := make(map[uuid.UUID]decimal.Decimal, len(items))
	for _, item := range items {
		var allocs []models.PaymentAllocation
		require.NoError(t, e.db.Where("invoice_item_id = ?", item.ID).Find(&allocs).Error)
		sum := decimal.Zero
		for _, a := range allocs {
			sum = sum.Add(a.AmountAllocated)
		}
		out[item.ID] = sum
	}
	return out
}

func (e *testEnv) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(model).Count(&n).Error)
	return n
}

func verifyRequest(paymentID uuid.UUID, gatewayOrderID, gatewayPaymentID, secret string) VerifyPaymentRequest {
	return VerifyPaymentRequest{
		PaymentID:        paymentID,
		GatewayOrderID:   gatewayOrderID,
		GatewayPaymentID: gatewayPaymentID,
		Signature:        gatewaytest.SignPayment(gatewayOrderID, gatewayPaymentID, secret),
	}
}

func capturedWebhook(gatewayPaymentID, gatewayOrderID string, createdAt int64) []byte {
	return []byte(fmt.Sprintf(`{"entity":"event","event":"payment.captured","created_at":%d,"payload":{"payment":{"entity":{"id":%q,"order_id":%q,"status":"captured","method":"card","amount":12000,"currency":"INR"}}}}`,
		createdAt, gatewayPaymentID, gatewayOrderID))
}
