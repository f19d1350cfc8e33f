package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/auth"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/payment"
	"gozon/fulfillment/internal/reconcile"
	"gozon/fulfillment/internal/webhook"
)

type initializeRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Amount      *int64 `json:"amount" validate:"omitempty,gt=0"`
	OrderID     string `json:"orderId" validate:"required"`
	CallbackURL string `json:"callbackUrl" validate:"omitempty,http_url"`
}

type initializeResponse struct {
	AuthorizationURL string `json:"authorizationUrl"`
	AccessCode       string `json:"accessCode"`
	Reference        string `json:"reference"`
}

// paymentView is what a buyer may see of a payment attempt.
type paymentView struct {
	Reference  string         `json:"reference"`
	OrderID    string         `json:"orderId"`
	Amount     int64          `json:"amount"`
	Currency   string         `json:"currency"`
	Status     payment.Status `json:"status"`
	Channel    string         `json:"channel,omitempty"`
	RetryCount int            `json:"retryCount"`
	Refunded   int64          `json:"refunded,omitempty"`
	PaidAt     *time.Time     `json:"paidAt,omitempty"`
}

func viewOf(p *payment.Payment) paymentView {
	return paymentView{
		Reference:  p.Reference,
		OrderID:    p.OrderID,
		Amount:     p.Amount,
		Currency:   p.Currency,
		Status:     p.Status,
		Channel:    p.Channel,
		RetryCount: p.RetryCount,
		Refunded:   p.RefundedAmount(),
		PaidAt:     p.PaidAt,
	}
}

type verifyResponse struct {
	Payment paymentView  `json:"payment"`
	Order   *order.Order `json:"order"`
}

func (s *Server) initializePayment(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req initializeRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	o, ok := s.ownedOrder(w, r, p, req.OrderID)
	if !ok {
		return
	}
	if req.Amount != nil && *req.Amount != o.TotalPrice {
		s.writeDomainError(w, r, apperr.Validation("amount does not match order total"))
		return
	}
	callback := req.CallbackURL
	if callback == "" {
		callback = s.callbackURL
	}
	started, err := s.payments.Initialize(r.Context(), o, req.Email, callback)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, initializeResponse{
		AuthorizationURL: started.AuthorizationURL,
		AccessCode:       started.AccessCode,
		Reference:        started.Payment.Reference,
	})
}

// verifyPayment is the buyer's return from the hosted page. Attempts that
// already left pending are answered from local state.
func (s *Server) verifyPayment(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	ref := strings.TrimSpace(r.PathValue("reference"))
	pay, err := s.payments.Get(r.Context(), ref)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !p.CanAccess(pay.UserID) {
		s.writeDomainError(w, r, auth.ErrForbidden)
		return
	}

	if !pay.Status.Final() {
		res, err := s.engine.Reconcile(r.Context(), reconcile.ClientVerify{Reference: ref})
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		if res.Payment != nil {
			pay = res.Payment
		}
	} else if pay.Status == payment.StatusFailed && pay.FailureReason == payment.ReasonAmountMismatch {
		s.writeDomainError(w, r, payment.ErrAmountMismatch)
		return
	}

	o, err := s.orders.Get(r.Context(), pay.OrderID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Payment: viewOf(pay), Order: o})
}

// gatewayWebhook acknowledges every authentic callback the service has
// finished with, including ones it chose to ignore. Non-2xx answers make the
// gateway redeliver.
func (s *Server) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	res, err := s.engine.Reconcile(r.Context(), reconcile.WebhookCallback{
		Body:      body,
		Signature: r.Header.Get(webhook.SignatureHeader),
	})
	switch {
	case err == nil:
	case errors.Is(err, payment.ErrAmountMismatch):
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
		return
	default:
		s.writeDomainError(w, r, err)
		return
	}

	status := "processed"
	if res.Ignored {
		status = "ignored"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "event": res.Event})
}

type refundRequest struct {
	Amount int64  `json:"amount" validate:"gt=0"`
	Reason string `json:"reason" validate:"max=500"`
}

func (s *Server) refundPayment(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	var req refundRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	pay, err := s.payments.RecordRefund(r.Context(), r.PathValue("reference"), payment.RefundRequest{
		Amount: req.Amount,
		Reason: req.Reason,
		Source: payment.RefundSourceAdmin,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pay)
}
