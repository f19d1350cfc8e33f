package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/gateway"
	"gozon/fulfillment/internal/order"

	"github.com/google/uuid"
)

const ReasonAmountMismatch = "amount mismatch"

// OrderLedger is the part of the order service payments project onto.
type OrderLedger interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	MarkPaid(ctx context.Context, id, reference string, paidAt time.Time) (*order.Order, bool, error)
}

type Initializer interface {
	InitializeTransaction(ctx context.Context, req gateway.InitializeRequest) (*gateway.Checkout, error)
}

type Ledger struct {
	store   Store
	orders  OrderLedger
	gateway Initializer
	logger  *slog.Logger
	now     func() time.Time
}

func NewLedger(store Store, orders OrderLedger, gw Initializer, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:   store,
		orders:  orders,
		gateway: gw,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type Initialized struct {
	Payment          *Payment
	AuthorizationURL string
	AccessCode       string
}

// Initialize opens a new payment attempt for o. Earlier attempts are kept;
// the new one counts them in RetryCount.
func (l *Ledger) Initialize(ctx context.Context, o *order.Order, email, callbackURL string) (*Initialized, error) {
	if strings.TrimSpace(email) == "" {
		return nil, apperr.Validation("email is required")
	}
	if o.IsPaid {
		return nil, ErrOrderAlreadyPaid
	}
	if o.Status != order.StatusPending && o.Status != order.StatusProcessing {
		return nil, ErrOrderNotPayable
	}

	previous, err := l.store.ListByOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range previous {
		if p.Status == StatusSuccess || p.Status == StatusRefunded {
			return nil, ErrOrderAlreadyPaid
		}
	}

	reference := newReference()
	checkout, err := l.gateway.InitializeTransaction(ctx, gateway.InitializeRequest{
		Email:       email,
		Amount:      o.TotalPrice,
		Currency:    o.Currency,
		Reference:   reference,
		CallbackURL: callbackURL,
		Metadata: gateway.Metadata{
			OrderID:     o.ID,
			OrderNumber: o.OrderNumber,
			UserID:      o.UserID,
		},
	})
	if err != nil {
		return nil, err
	}

	now := l.now()
	p, _, err := l.store.FindOrCreate(ctx, &Payment{
		Reference:  reference,
		OrderID:    o.ID,
		UserID:     o.UserID,
		Amount:     o.TotalPrice,
		Currency:   o.Currency,
		Status:     StatusPending,
		RetryCount: len(previous),
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("payment initialized", "reference", reference, "order_id", o.ID, "retry_count", len(previous))
	return &Initialized{
		Payment:          p,
		AuthorizationURL: checkout.AuthorizationURL,
		AccessCode:       checkout.AccessCode,
	}, nil
}

func (l *Ledger) Get(ctx context.Context, reference string) (*Payment, error) {
	return l.store.Get(ctx, reference)
}

func (l *Ledger) ListByOrder(ctx context.Context, orderID string) ([]Payment, error) {
	return l.store.ListByOrder(ctx, orderID)
}

// Finalization is what one Finalize call observed and did.
type Finalization struct {
	Payment *Payment
	Order   *order.Order
	// Applied is true only for the call that moved the payment out of
	// pending. Every other call is a confirmation.
	Applied bool
}

// Finalize decides the outcome of reference from gateway truth. It is safe
// to call concurrently and repeatedly: the payment leaves pending through a
// compare-and-set, and only the winner touches the order.
func (l *Ledger) Finalize(ctx context.Context, reference string, truth *gateway.Transaction, viaWebhook bool) (*Finalization, error) {
	p, err := l.findOrManufacture(ctx, reference, truth)
	if err != nil {
		return nil, err
	}

	if p.Status.Final() {
		return l.confirm(ctx, p, truth, viaWebhook)
	}

	o, err := l.orders.Get(ctx, p.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", p.OrderID, err)
	}

	now := l.now()
	out := Outcome{
		Channel:         truth.Channel,
		GatewayResponse: truth.Raw,
		WebhookVerified: viaWebhook,
		At:              now,
	}

	switch truth.Status {
	case gateway.StatusSuccess:
		if truth.Amount != o.TotalPrice || !strings.EqualFold(truth.Currency, o.Currency) {
			return l.rejectMismatch(ctx, p, o, truth, out)
		}
		paidAt := now
		if truth.PaidAt != nil {
			paidAt = truth.PaidAt.UTC()
		}
		out.Status = StatusSuccess
		out.PaidAt = &paidAt
	case gateway.StatusFailed, gateway.StatusReversed:
		out.Status = StatusFailed
		out.FailureReason = failureReason(truth)
	case gateway.StatusAbandoned:
		out.Status = StatusAbandoned
		out.FailureReason = failureReason(truth)
	default:
		return &Finalization{Payment: p, Order: o}, nil
	}

	settled, applied, err := l.store.Settle(ctx, p.Reference, StatusPending, out)
	if err != nil {
		return nil, err
	}
	if !applied {
		return l.confirm(ctx, settled, truth, viaWebhook)
	}

	if settled.Status != StatusSuccess {
		l.logger.Info("payment failed", "reference", settled.Reference, "order_id", settled.OrderID,
			"status", settled.Status, "reason", settled.FailureReason)
		return &Finalization{Payment: settled, Order: o, Applied: true}, nil
	}

	l.logger.Info("payment succeeded", "reference", settled.Reference, "order_id", settled.OrderID,
		"amount", settled.Amount, "webhook", viaWebhook)

	o, err = l.project(ctx, settled)
	if err != nil {
		return nil, err
	}
	return &Finalization{Payment: settled, Order: o, Applied: true}, nil
}

// Project replays a successful payment onto its order. The order update is
// idempotent, so this is also the repair path after a partial failure.
func (l *Ledger) Project(ctx context.Context, p *Payment) (*order.Order, error) {
	if p.Status != StatusSuccess && p.Status != StatusRefunded {
		return nil, fmt.Errorf("payment %s is %s, not successful", p.Reference, p.Status)
	}
	return l.project(ctx, p)
}

func (l *Ledger) project(ctx context.Context, p *Payment) (*order.Order, error) {
	paidAt := p.UpdatedAt
	if p.PaidAt != nil {
		paidAt = *p.PaidAt
	}
	o, changed, err := l.orders.MarkPaid(ctx, p.OrderID, p.Reference, paidAt)
	if err != nil {
		l.logger.Error("order update after payment success failed", "reference", p.Reference, "order_id", p.OrderID, "err", err)
		return nil, fmt.Errorf("mark order paid: %w", err)
	}
	if !changed && o.PaymentReference != p.Reference {
		l.logger.Warn("duplicate successful payment for paid order",
			"reference", p.Reference, "order_id", o.ID, "paid_reference", o.PaymentReference, "amount", p.Amount)
	}
	return o, nil
}

// confirm answers for a payment that already left pending. truth is what the
// gateway reports now; a charge it calls successful on an attempt closed as
// failed or abandoned is money taken with no order to show for it.
func (l *Ledger) confirm(ctx context.Context, p *Payment, truth *gateway.Transaction, viaWebhook bool) (*Finalization, error) {
	if viaWebhook && !p.WebhookVerified {
		if err := l.store.MarkWebhookVerified(ctx, p.Reference); err != nil {
			return nil, err
		}
		p.WebhookVerified = true
	}

	if p.Status == StatusSuccess {
		o, err := l.project(ctx, p)
		if err != nil {
			return nil, err
		}
		return &Finalization{Payment: p, Order: o}, nil
	}

	if truth != nil && truth.Status == gateway.StatusSuccess &&
		(p.Status == StatusFailed || p.Status == StatusAbandoned) &&
		p.FailureReason != ReasonAmountMismatch {
		l.logger.Error("successful charge for closed payment attempt",
			"reference", p.Reference, "order_id", p.OrderID, "status", p.Status,
			"reason", p.FailureReason, "gateway_amount", truth.Amount, "gateway_currency", truth.Currency)
	}

	o, err := l.orders.Get(ctx, p.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", p.OrderID, err)
	}
	res := &Finalization{Payment: p, Order: o}
	if p.Status == StatusFailed && p.FailureReason == ReasonAmountMismatch {
		return res, ErrAmountMismatch
	}
	return res, nil
}

func (l *Ledger) rejectMismatch(ctx context.Context, p *Payment, o *order.Order, truth *gateway.Transaction, out Outcome) (*Finalization, error) {
	l.logger.Error("payment amount mismatch",
		"reference", p.Reference, "order_id", o.ID,
		"expected_amount", o.TotalPrice, "expected_currency", o.Currency,
		"gateway_amount", truth.Amount, "gateway_currency", truth.Currency)

	out.Status = StatusFailed
	out.FailureReason = ReasonAmountMismatch
	settled, applied, err := l.store.Settle(ctx, p.Reference, StatusPending, out)
	if err != nil {
		return nil, err
	}
	if !applied {
		return l.confirm(ctx, settled, truth, out.WebhookVerified)
	}
	return &Finalization{Payment: settled, Order: o, Applied: true}, ErrAmountMismatch
}

// findOrManufacture returns the local record for reference, creating it
// from gateway metadata when the callback outran initialize.
func (l *Ledger) findOrManufacture(ctx context.Context, reference string, truth *gateway.Transaction) (*Payment, error) {
	p, err := l.store.Get(ctx, reference)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	orderID := truth.Metadata.OrderID
	if orderID == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, reference)
	}
	o, err := l.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s names missing order %s", ErrUnknownOrder, reference, orderID)
		}
		return nil, err
	}
	previous, err := l.store.ListByOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	p, created, err := l.store.FindOrCreate(ctx, &Payment{
		Reference:  reference,
		OrderID:    o.ID,
		UserID:     o.UserID,
		Amount:     o.TotalPrice,
		Currency:   o.Currency,
		Status:     StatusPending,
		RetryCount: len(previous),
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, err
	}
	if created {
		l.logger.Info("payment record created from gateway metadata", "reference", reference, "order_id", o.ID)
	}
	return p, nil
}

type RefundRequest struct {
	Amount     int64
	Reason     string
	Source     RefundSource
	GatewayRef string
}

func (l *Ledger) RecordRefund(ctx context.Context, reference string, req RefundRequest) (*Payment, error) {
	if req.Amount <= 0 {
		return nil, apperr.Validation("refund amount must be positive")
	}
	if req.Source == "" {
		req.Source = RefundSourceAdmin
	}
	p, err := l.store.AddRefund(ctx, reference, Refund{
		ID:         uuid.New().String(),
		Amount:     req.Amount,
		Reason:     req.Reason,
		Source:     req.Source,
		GatewayRef: req.GatewayRef,
		CreatedAt:  l.now(),
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("payment refund recorded", "reference", reference, "amount", req.Amount,
		"refunded_total", p.RefundedAmount(), "status", p.Status)
	return p, nil
}

func (l *Ledger) RecordDispute(ctx context.Context, reference, reason, status, gatewayRef string) (*Payment, error) {
	if status == "" {
		status = "open"
	}
	p, err := l.store.AddDispute(ctx, reference, Dispute{
		ID:         uuid.New().String(),
		Reason:     reason,
		Status:     status,
		GatewayRef: gatewayRef,
		CreatedAt:  l.now(),
	})
	if err != nil {
		return nil, err
	}
	l.logger.Warn("payment disputed", "reference", reference, "order_id", p.OrderID, "reason", reason)
	return p, nil
}

// Stale returns payments still pending after the abandon window.
func (l *Ledger) Stale(ctx context.Context, after time.Duration, limit int) ([]Payment, error) {
	return l.store.ListStalePending(ctx, l.now().Add(-after), limit)
}

// Abandon moves a pending payment to abandoned. The order is left alone;
// applied is false when the payment had already left pending.
func (l *Ledger) Abandon(ctx context.Context, reference string) (bool, error) {
	p, applied, err := l.store.Settle(ctx, reference, StatusPending, Outcome{
		Status:        StatusAbandoned,
		FailureReason: "no outcome from gateway",
		At:            l.now(),
	})
	if err != nil {
		return false, fmt.Errorf("abandon %s: %w", reference, err)
	}
	if applied {
		l.logger.Info("payment abandoned", "reference", reference, "order_id", p.OrderID)
	}
	return applied, nil
}

func (l *Ledger) ListUnprojected(ctx context.Context, limit int) ([]Payment, error) {
	return l.store.ListUnprojected(ctx, limit)
}

func failureReason(t *gateway.Transaction) string {
	if t.GatewayResponse != "" {
		return t.GatewayResponse
	}
	return string(t.Status)
}

func newReference() string {
	return "PAY-" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
}
