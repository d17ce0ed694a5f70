// Package gatewaytest provides an in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/sambitmohanty1/school-payments/internal/gateway"
)

// FakeClient records calls and returns canned responses.
type FakeClient struct {
	mu sync.Mutex

	Key string

	CreateOrderErr   error
	FetchPaymentErr  error
	OrderPaymentsErr error

	// PaymentsByOrder is returned by OrderPayments.
	PaymentsByOrder map[string][]gateway.PaymentDetails
	// Method is reported by FetchPayment.
	Method string
	// OnFetchPayment, when set, runs at the start of every FetchPayment.
	OnFetchPayment func(paymentID string)

	OrderRequests []gateway.OrderRequest
	calls         map[string]int
	seq           int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		Key:             "rzp_test_key",
		Method:          "upi",
		PaymentsByOrder: make(map[string][]gateway.PaymentDetails),
		calls:           make(map[string]int),
	}
}

// Factory returns a ClientFactory that always hands out this fake.
func (f *FakeClient) Factory() gateway.ClientFactory {
	return func(keyID, keySecret string) gateway.Client {
		return f
	}
}

// Calls returns how many times op was invoked.
func (f *FakeClient) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of gateway calls of any kind.
func (f *FakeClient) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *FakeClient) KeyID() string { return f.Key }

func (f *FakeClient) CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create_order"]++
	f.OrderRequests = append(f.OrderRequests, req)
	if f.CreateOrderErr != nil {
		return nil, f.CreateOrderErr
	}
	f.seq++
	return &gateway.Order{
		ID:       fmt.Sprintf("order_test%04d", f.seq),
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Status:   "created",
		Notes:    req.Notes,
	}, nil
}

func (f *FakeClient) FetchPayment(ctx context.Context, paymentID string) (*gateway.PaymentDetails, error) {
	if f.OnFetchPayment != nil {
		f.OnFetchPayment(paymentID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["fetch_payment"]++
	if f.FetchPaymentErr != nil {
		return nil, f.FetchPaymentErr
	}
	return &gateway.PaymentDetails{ID: paymentID, Status: gateway.PaymentCaptured, Method: f.Method}, nil
}

func (f *FakeClient) OrderPayments(ctx context.Context, orderID string) ([]gateway.PaymentDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["order_payments"]++
	if f.OrderPaymentsErr != nil {
		return nil, f.OrderPaymentsErr
	}
	return f.PaymentsByOrder[orderID], nil
}

// FailingVerifier reports an infrastructure error for every check.
type FailingVerifier struct {
	Err error
}

func (v FailingVerifier) VerifyPaymentSignature(orderID, paymentID, signature, secret string) (bool, error) {
	return false, v.Err
}

func (v FailingVerifier) VerifyWebhookSignature(rawBody []byte, signature, secret string) (bool, error) {
	return false, v.Err
}

// SignPayment produces the checkout signature the gateway would send for an order/payment pair.
func SignPayment(orderID, paymentID, secret string) string {
	return sign(orderID+"|"+paymentID, secret)
}

// SignWebhook produces the webhook signature header for a raw body.
func SignWebhook(body []byte, secret string) string {
	return sign(string(body), secret)
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
