package order

import (
	"context"
	"errors"
	"time"

	"gozon/fulfillment/pkg/contracts"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrOrderExists means the id or order number is already taken.
	ErrOrderExists = errors.New("order already exists")
	// ErrStatusChanged means another writer moved the order first.
	ErrStatusChanged = errors.New("order status changed concurrently")
)

// StatusChange is applied only while the order is still in From.
type StatusChange struct {
	From           Status
	To             Status
	TrackingNumber string
	Reason         string
	At             time.Time
}

// PaidMark is the projection of a successful payment onto its order.
type PaidMark struct {
	Reference string
	PaidAt    time.Time
}

// Store persists orders. Transition and MarkPaid record the matching domain
// event atomically with the state change.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	ListByUser(ctx context.Context, userID string) ([]Order, error)
	// Transition applies ch only while the order is still in ch.From.
	// Entering cancelled returns the line items to stock in the same unit of
	// work; if that fails the order keeps its status.
	Transition(ctx context.Context, id string, ch StatusChange) (*Order, error)
	// MarkPaid flips isPaid once. changed is false when the order was
	// already paid; the returned order is the current state either way.
	MarkPaid(ctx context.Context, id string, m PaidMark) (o *Order, changed bool, err error)
}

func applyChange(o *Order, ch StatusChange) {
	o.Status = ch.To
	o.UpdatedAt = ch.At
	if ch.TrackingNumber != "" {
		o.TrackingNumber = ch.TrackingNumber
	}
	switch ch.To {
	case StatusDelivered:
		o.IsDelivered = true
		at := ch.At
		o.DeliveredAt = &at
	case StatusCancelled:
		o.CancellationReason = ch.Reason
		at := ch.At
		o.CancelledAt = &at
	}
}

func applyPaid(o *Order, m PaidMark) {
	o.IsPaid = true
	at := m.PaidAt
	o.PaidAt = &at
	o.PaymentReference = m.Reference
	o.UpdatedAt = m.PaidAt
	if o.Status == StatusPending {
		o.Status = StatusProcessing
	}
}

func statusChangedEvent(o *Order, from Status) (contracts.Envelope, error) {
	return contracts.NewEnvelope(contracts.EventOrderStatusChanged, contracts.OrderStatusChangedEvent{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		UserID:         o.UserID,
		From:           string(from),
		To:             string(o.Status),
		TrackingNumber: o.TrackingNumber,
		IsPaid:         o.IsPaid,
	}, o.UpdatedAt)
}

func paidEvent(o *Order) (contracts.Envelope, error) {
	return contracts.NewEnvelope(contracts.EventOrderPaid, contracts.OrderPaidEvent{
		OrderID:          o.ID,
		OrderNumber:      o.OrderNumber,
		UserID:           o.UserID,
		PaymentReference: o.PaymentReference,
		Amount:           o.TotalPrice,
		Currency:         o.Currency,
		Status:           string(o.Status),
		RequiresRefund:   o.Status == StatusCancelled,
		PaidAt:           *o.PaidAt,
	}, *o.PaidAt)
}
