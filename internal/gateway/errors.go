package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrNotConfigured means the school has no usable gateway credentials.
var ErrNotConfigured = errors.New("payment gateway not configured")

type Kind int

const (
	// KindUnknown is any failure that is neither a timeout nor a gateway response.
	KindUnknown Kind = iota
	// KindTimeout is a call that did not complete in time. Retryable.
	KindTimeout
	// KindGateway is an error response (4xx/5xx) from the gateway.
	KindGateway
	// KindUnavailable is a verifier or transport failure that left no trace at the gateway. Retryable.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindGateway:
		return "gateway"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("gateway timed out during %s", e.Op)
	case KindGateway:
		return fmt.Sprintf("gateway error during %s: %v", e.Op, e.Err)
	case KindUnavailable:
		return fmt.Sprintf("gateway unavailable during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("gateway request failed during %s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed if repeated.
func (e *Error) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindUnavailable
}

// Classify wraps an SDK or transport error with its Kind.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return err
	}

	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	case errors.Is(err, context.Canceled), errors.As(err, &urlErr):
		return &Error{Kind: KindUnknown, Op: op, Err: err}
	default:
		return &Error{Kind: KindGateway, Op: op, Err: err}
	}
}

// IsRetryable reports whether err is a gateway Error worth repeating.
func IsRetryable(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Retryable()
}
