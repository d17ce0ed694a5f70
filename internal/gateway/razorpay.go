package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"
)

// DefaultTimeout bounds every gateway call that has no earlier deadline.
const DefaultTimeout = 15 * time.Second

// RazorpayClient implements Client on the Razorpay SDK.
type RazorpayClient struct {
	keyID   string
	sdk     *razorpay.Client
	timeout time.Duration
}

// NewRazorpayClient builds a client for one key pair.
func NewRazorpayClient(keyID, keySecret string, timeout time.Duration) *RazorpayClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RazorpayClient{
		keyID:   keyID,
		sdk:     razorpay.NewClient(keyID, keySecret),
		timeout: timeout,
	}
}

func (c *RazorpayClient) KeyID() string { return c.keyID }

func (c *RazorpayClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	notes := make(map[string]interface{}, len(req.Notes))
	for k, v := range req.Notes {
		notes[k] = v
	}
	body := map[string]interface{}{
		"amount":   req.Amount,
		"currency": req.Currency,
		"receipt":  req.Receipt,
		"notes":    notes,
	}

	raw, err := bounded(ctx, c.timeout, "create_order", func() (map[string]interface{}, error) {
		return c.sdk.Order.Create(body, nil)
	})
	if err != nil {
		return nil, err
	}

	var order Order
	if err := decode(raw, &order); err != nil {
		return nil, &Error{Kind: KindUnknown, Op: "create_order", Err: fmt.Errorf("decode response: %w", err)}
	}
	if order.ID == "" {
		return nil, &Error{Kind: KindGateway, Op: "create_order", Err: errors.New("response has no order id")}
	}
	return &order, nil
}

func (c *RazorpayClient) FetchPayment(ctx context.Context, paymentID string) (*PaymentDetails, error) {
	raw, err := bounded(ctx, c.timeout, "fetch_payment", func() (map[string]interface{}, error) {
		return c.sdk.Payment.Fetch(paymentID, nil, nil)
	})
	if err != nil {
		return nil, err
	}

	var payment PaymentDetails
	if err := decode(raw, &payment); err != nil {
		return nil, &Error{Kind: KindUnknown, Op: "fetch_payment", Err: fmt.Errorf("decode response: %w", err)}
	}
	return &payment, nil
}

func (c *RazorpayClient) OrderPayments(ctx context.Context, orderID string) ([]PaymentDetails, error) {
	raw, err := bounded(ctx, c.timeout, "order_payments", func() (map[string]interface{}, error) {
		return c.sdk.Order.Payments(orderID, nil, nil)
	})
	if err != nil {
		return nil, err
	}

	var collection struct {
		Items []PaymentDetails `mapstructure:"items"`
	}
	if err := decode(raw, &collection); err != nil {
		return nil, &Error{Kind: KindUnknown, Op: "order_payments", Err: fmt.Errorf("decode response: %w", err)}
	}
	return collection.Items, nil
}

// bounded runs an SDK call that takes no context under ctx and timeout.
// An abandoned call finishes in the background and its result is dropped.
func bounded[T any](ctx context.Context, timeout time.Duration, op string, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			var zero T
			return zero, Classify(op, r.err)
		}
		return r.value, nil
	case <-ctx.Done():
		var zero T
		return zero, Classify(op, ctx.Err())
	}
}

// RazorpayVerifier checks signatures with the SDK's HMAC utilities.
type RazorpayVerifier struct{}

func (RazorpayVerifier) VerifyPaymentSignature(orderID, paymentID, signature, secret string) (bool, error) {
	if secret == "" {
		return false, &Error{Kind: KindUnavailable, Op: "verify_payment_signature", Err: errors.New("empty key secret")}
	}
	params := map[string]interface{}{
		"razorpay_order_id":   orderID,
		"razorpay_payment_id": paymentID,
	}
	return utils.VerifyPaymentSignature(params, signature, secret), nil
}

func (RazorpayVerifier) VerifyWebhookSignature(rawBody []byte, signature, secret string) (bool, error) {
	if secret == "" {
		return false, &Error{Kind: KindUnavailable, Op: "verify_webhook_signature", Err: errors.New("empty webhook secret")}
	}
	return utils.VerifyWebhookSignature(string(rawBody), signature, secret), nil
}
