// Package gateway adapts the payment gateway SDK to typed, context-bounded calls.
package gateway

import (
	"context"

	"github.com/mitchellh/mapstructure"
)

// Gateway payment states reported by the SDK.
const (
	PaymentCreated    = "created"
	PaymentAuthorized = "authorized"
	PaymentCaptured   = "captured"
	PaymentRefunded   = "refunded"
	PaymentFailed     = "failed"
)

// OrderRequest creates a gateway-side order. Amount is in minor units.
type OrderRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

// Order is the gateway's view of an order.
type Order struct {
	ID        string            `mapstructure:"id"`
	Amount    int64             `mapstructure:"amount"`
	Currency  string            `mapstructure:"currency"`
	Receipt   string            `mapstructure:"receipt"`
	Status    string            `mapstructure:"status"`
	Notes     map[string]string `mapstructure:"notes"`
	CreatedAt int64             `mapstructure:"created_at"`
}

// PaymentDetails is the gateway's view of one payment.
type PaymentDetails struct {
	ID               string `mapstructure:"id"`
	OrderID          string `mapstructure:"order_id"`
	Status           string `mapstructure:"status"`
	Method           string `mapstructure:"method"`
	Amount           int64  `mapstructure:"amount"`
	Currency         string `mapstructure:"currency"`
	Captured         bool   `mapstructure:"captured"`
	ErrorDescription string `mapstructure:"error_description"`
	CreatedAt        int64  `mapstructure:"created_at"`
}

// IsCaptured reports whether the gateway holds the funds.
func (p PaymentDetails) IsCaptured() bool {
	return p.Status == PaymentCaptured
}

// InFlight reports whether the payment may still be captured.
func (p PaymentDetails) InFlight() bool {
	return p.Status == PaymentCreated || p.Status == PaymentAuthorized
}

// Client is an authenticated gateway client bound to one school's key pair.
type Client interface {
	KeyID() string
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	FetchPayment(ctx context.Context, paymentID string) (*PaymentDetails, error)
	OrderPayments(ctx context.Context, orderID string) ([]PaymentDetails, error)
}

// Verifier checks gateway signatures. A false result is a mismatch; an error
// means the check itself could not run.
type Verifier interface {
	VerifyPaymentSignature(orderID, paymentID, signature, secret string) (bool, error)
	VerifyWebhookSignature(rawBody []byte, signature, secret string) (bool, error)
}

// decode maps an untyped SDK response onto a typed struct once, at the boundary.
func decode(input interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}
