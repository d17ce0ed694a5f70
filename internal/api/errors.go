package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/sambitmohanty1/school-payments/internal/gateway"
	"github.com/sambitmohanty1/school-payments/internal/services"
)

// statusFor maps a service error to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	var (
		validationErrs validator.ValidationErrors
		allocErr       *services.AllocationFailure
		gwErr          *gateway.Error
	)

	switch {
	case errors.As(err, &validationErrs),
		errors.Is(err, services.ErrInvalidTarget),
		errors.Is(err, services.ErrInvalidSignature),
		errors.Is(err, services.ErrInvalidWebhookPayload):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, services.ErrTargetNotFound),
		errors.Is(err, services.ErrPaymentNotFound),
		errors.Is(err, services.ErrInvoiceNotFound):
		return http.StatusNotFound, err.Error()

	case errors.Is(err, services.ErrNotVerifiable),
		errors.Is(err, services.ErrOrderMismatch),
		errors.Is(err, services.ErrNothingDue),
		errors.Is(err, services.ErrOrderNotPayable):
		return http.StatusConflict, err.Error()

	case errors.Is(err, gateway.ErrNotConfigured):
		return http.StatusServiceUnavailable, gateway.ErrNotConfigured.Error()

	case errors.As(err, &allocErr):
		return http.StatusInternalServerError, "payment captured but could not be allocated; support has been alerted"

	case errors.As(err, &gwErr):
		switch gwErr.Kind {
		case gateway.KindTimeout:
			return http.StatusGatewayTimeout, gwErr.Error()
		case gateway.KindGateway:
			return http.StatusBadGateway, gwErr.Error()
		case gateway.KindUnavailable:
			return http.StatusServiceUnavailable, gwErr.Error()
		}
	}
	return http.StatusInternalServerError, "internal server error"
}

// retryAfter is sent with errors the client may repeat unchanged.
const retryAfter = "30"

func setRetryAfter(c *gin.Context, err error) {
	if gateway.IsRetryable(err) {
		c.Header("Retry-After", retryAfter)
	}
}
