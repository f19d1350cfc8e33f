package httpapi

import (
	"errors"
	"net/http"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/auth"
	"gozon/fulfillment/internal/gateway"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/payment"
	"gozon/fulfillment/internal/stock"
	"gozon/fulfillment/internal/webhook"
)

// statusFor maps a domain error to its HTTP status and the message a client
// may see. Anything unrecognized is an internal error.
func statusFor(err error) (int, string) {
	var (
		validation apperr.ValidationError
		short      *stock.InsufficientStockError
		missing    *stock.ProductNotFoundError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Error()
	case errors.As(err, &short):
		return http.StatusConflict, short.Error()
	case errors.As(err, &missing):
		return http.StatusNotFound, missing.Error()
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound, "order not found"
	case errors.Is(err, payment.ErrNotFound), errors.Is(err, payment.ErrUnknownOrder):
		return http.StatusNotFound, "payment not found"
	case errors.Is(err, order.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, payment.ErrOrderAlreadyPaid):
		return http.StatusConflict, "order already paid"
	case errors.Is(err, payment.ErrOrderNotPayable):
		return http.StatusConflict, "order cannot be paid in its current status"
	case errors.Is(err, payment.ErrRefundNotAllowed):
		return http.StatusConflict, "payment is not refundable"
	case errors.Is(err, payment.ErrRefundExceedsAmount):
		return http.StatusConflict, "refunds exceed charged amount"
	case errors.Is(err, payment.ErrAmountMismatch):
		return http.StatusUnprocessableEntity, "payment could not be confirmed"
	case errors.Is(err, gateway.ErrUnavailable):
		return http.StatusBadGateway, "payment gateway unavailable"
	case errors.Is(err, gateway.ErrRejected):
		return http.StatusBadGateway, "payment gateway rejected the request"
	case errors.Is(err, webhook.ErrSignatureInvalid):
		return http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	}
	return http.StatusInternalServerError, "internal error"
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusBadGateway:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	case status == http.StatusBadGateway:
		s.logger.Warn("gateway call failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, status, msg)
}
