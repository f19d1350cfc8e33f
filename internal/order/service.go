package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gozon/fulfillment/internal/stock"

	"github.com/google/uuid"
)

const (
	maxTransitionAttempts = 3
	maxCreateAttempts     = 3
)

type Service struct {
	store    Store
	stock    stock.Adjuster
	currency string
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store Store, adjuster stock.Adjuster, currency string, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		stock:    adjuster,
		currency: currency,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Checkout reserves stock for the draft and records a pending, unpaid order.
// If the order cannot be stored the reservation is released again.
func (s *Service) Checkout(ctx context.Context, d Draft) (*Order, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	o := &Order{
		ID:              uuid.New().String(),
		OrderNumber:     newOrderNumber(now),
		UserID:          d.UserID,
		Items:           d.Items,
		ShippingAddress: d.ShippingAddress,
		Totals:          d.Totals,
		Currency:        s.currency,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.stock.Reserve(ctx, o.StockItems()); err != nil {
		return nil, err
	}

	err := s.store.Create(ctx, o)
	for attempt := 1; errors.Is(err, ErrOrderExists) && attempt < maxCreateAttempts; attempt++ {
		o.ID = uuid.New().String()
		o.OrderNumber = newOrderNumber(now)
		err = s.store.Create(ctx, o)
	}
	if err != nil {
		if relErr := s.stock.Release(ctx, o.StockItems()); relErr != nil {
			s.logger.Error("release stock after failed checkout", "order_id", o.ID, "err", relErr)
		}
		return nil, err
	}

	s.logger.Info("order created", "order_id", o.ID, "order_number", o.OrderNumber, "total", o.TotalPrice)
	return o, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, userID string) ([]Order, error) {
	return s.store.ListByUser(ctx, userID)
}

type StatusUpdate struct {
	Status         Status
	TrackingNumber string
	Reason         string
	// AllowedFrom narrows the transition table for this caller. The check
	// runs against the status the transition is applied to. Empty allows
	// every source status the table allows.
	AllowedFrom []Status
}

func (u StatusUpdate) allows(from Status) bool {
	if len(u.AllowedFrom) == 0 {
		return true
	}
	for _, st := range u.AllowedFrom {
		if st == from {
			return true
		}
	}
	return false
}

// UpdateStatus moves the order along the transition table. The store returns
// every line item to stock when the order enters cancelled.
func (s *Service) UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (*Order, error) {
	var (
		o    *Order
		from Status
		err  error
	)
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		var cur *Order
		cur, err = s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		from = cur.Status
		if !upd.allows(from) || !CanTransition(from, upd.Status) {
			return nil, &TransitionError{From: from, To: upd.Status}
		}
		o, err = s.store.Transition(ctx, id, StatusChange{
			From:           from,
			To:             upd.Status,
			TrackingNumber: upd.TrackingNumber,
			Reason:         upd.Reason,
			At:             s.now(),
		})
		if !errors.Is(err, ErrStatusChanged) {
			break
		}
	}
	if err != nil {
		if upd.Status == StatusCancelled && !errors.Is(err, ErrStatusChanged) {
			s.logger.Error("order cancellation failed", "order_id", id, "from", from, "err", err)
		}
		return nil, err
	}

	s.logger.Info("order status changed", "order_id", o.ID, "from", from, "to", o.Status)

	switch o.Status {
	case StatusCancelled:
		if o.IsPaid {
			s.logger.Warn("paid order is cancelled", "order_id", o.ID, "payment_reference", o.PaymentReference)
		}
	case StatusDelivered:
		if !o.IsPaid {
			s.logger.Warn("delivered order is unpaid", "order_id", o.ID, "order_number", o.OrderNumber)
		}
	}
	return o, nil
}

// MarkPaid projects a successful payment onto the order. It is safe to call
// repeatedly; only the first call changes anything.
func (s *Service) MarkPaid(ctx context.Context, id, reference string, paidAt time.Time) (*Order, bool, error) {
	o, changed, err := s.store.MarkPaid(ctx, id, PaidMark{Reference: reference, PaidAt: paidAt.UTC()})
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return o, false, nil
	}

	s.logger.Info("order paid", "order_id", o.ID, "payment_reference", reference, "status", o.Status)
	if o.Status == StatusCancelled {
		s.logger.Warn("paid order is cancelled", "order_id", o.ID, "payment_reference", reference)
	}
	return o, true, nil
}

func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)
}
