package payment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gozon/fulfillment/pkg/contracts"
)

var (
	ErrNotFound         = errors.New("payment not found")
	ErrOrderAlreadyPaid = errors.New("order already paid")
	ErrOrderNotPayable  = errors.New("order cannot be paid in its current status")
	ErrAmountMismatch   = errors.New("payment amount mismatch")
	// ErrUnknownOrder means a reference has no local record and the gateway
	// metadata does not name an order either.
	ErrUnknownOrder        = errors.New("payment reference cannot be traced to an order")
	ErrRefundNotAllowed    = errors.New("payment is not refundable")
	ErrRefundExceedsAmount = errors.New("refunds exceed charged amount")
)

// Outcome is the terminal state a pending payment settles into.
type Outcome struct {
	Status          Status
	Channel         string
	GatewayResponse json.RawMessage
	WebhookVerified bool
	FailureReason   string
	PaidAt          *time.Time
	At              time.Time
}

// Store persists payment attempts. Settle is the compare-and-set primitive:
// it applies only while the row is still in the expected status.
type Store interface {
	// FindOrCreate inserts p unless a payment with the same reference
	// exists, in which case the stored row is returned untouched.
	FindOrCreate(ctx context.Context, p *Payment) (stored *Payment, created bool, err error)
	Get(ctx context.Context, reference string) (*Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]Payment, error)
	// Settle moves reference from `from` to out.Status. applied is false
	// when another writer settled it first; the current row is returned.
	Settle(ctx context.Context, reference string, from Status, out Outcome) (p *Payment, applied bool, err error)
	MarkWebhookVerified(ctx context.Context, reference string) error
	// AddRefund appends r and promotes success to refunded when the refund
	// sum reaches the charged amount. A refund whose GatewayRef was already
	// recorded is ignored.
	AddRefund(ctx context.Context, reference string, r Refund) (*Payment, error)
	AddDispute(ctx context.Context, reference string, d Dispute) (*Payment, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Payment, error)
	// ListUnprojected returns successful payments whose order may not yet
	// reflect them. Callers replay through an idempotent order update.
	ListUnprojected(ctx context.Context, limit int) ([]Payment, error)
}

func applyOutcome(p *Payment, out Outcome) {
	p.Status = out.Status
	if out.Channel != "" {
		p.Channel = out.Channel
	}
	if out.GatewayResponse != nil {
		p.GatewayResponse = out.GatewayResponse
	}
	if out.WebhookVerified {
		p.WebhookVerified = true
	}
	p.FailureReason = out.FailureReason
	if out.PaidAt != nil {
		t := *out.PaidAt
		p.PaidAt = &t
	}
	p.UpdatedAt = out.At
}

// checkRefund validates r against p and reports whether it should be
// recorded at all.
func checkRefund(p *Payment, r Refund) (bool, error) {
	if p.hasRefund(r.GatewayRef) {
		return false, nil
	}
	if p.Status != StatusSuccess {
		return false, ErrRefundNotAllowed
	}
	if p.RefundedAmount()+r.Amount > p.Amount {
		return false, ErrRefundExceedsAmount
	}
	return true, nil
}

func applyRefund(p *Payment, r Refund) {
	p.Refunds = append(p.Refunds, r)
	p.UpdatedAt = r.CreatedAt
	if p.RefundedAmount() == p.Amount {
		p.Status = StatusRefunded
	}
}

func failedEvent(p *Payment) (contracts.Envelope, error) {
	return contracts.NewEnvelope(contracts.EventPaymentFailed, contracts.PaymentFailedEvent{
		OrderID:   p.OrderID,
		UserID:    p.UserID,
		Reference: p.Reference,
		Status:    string(p.Status),
		Reason:    p.FailureReason,
	}, p.UpdatedAt)
}

func emitsFailure(s Status) bool {
	return s == StatusFailed || s == StatusAbandoned
}
