package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderPaid          = "orders.paid"
	EventOrderStatusChanged = "orders.status_changed"
	EventPaymentFailed      = "payments.failed"
)

// Envelope is what travels over the events exchange; Payload holds one of
// the event structs below, selected by Type.
type Envelope struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType string, payload any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:    uuid.New().String(),
		Type:       eventType,
		OccurredAt: at.UTC(),
		Payload:    raw,
	}, nil
}

type OrderPaidEvent struct {
	OrderID          string    `json:"order_id"`
	OrderNumber      string    `json:"order_number"`
	UserID           string    `json:"user_id"`
	PaymentReference string    `json:"payment_reference"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	RequiresRefund   bool      `json:"requires_refund,omitempty"`
	PaidAt           time.Time `json:"paid_at"`
}

type OrderStatusChangedEvent struct {
	OrderID        string `json:"order_id"`
	OrderNumber    string `json:"order_number"`
	UserID         string `json:"user_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	IsPaid         bool   `json:"is_paid"`
}

type PaymentFailedEvent struct {
	OrderID   string `json:"order_id"`
	UserID    string `json:"user_id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

// LiveUpdate is the subset every event above shares that buyers watching an
// order care about.
type LiveUpdate struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	IsPaid  bool   `json:"is_paid"`
}
