package payment

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusAbandoned Status = "abandoned"
	StatusRefunded  Status = "refunded"
)

// Final reports whether the attempt has left pending. A final attempt is
// never reopened; a retry is a new Payment.
func (s Status) Final() bool {
	return s != StatusPending
}

type RefundSource string

const (
	RefundSourceAdmin   RefundSource = "admin"
	RefundSourceGateway RefundSource = "gateway"
)

type Refund struct {
	ID         string       `json:"id"`
	Amount     int64        `json:"amount"`
	Reason     string       `json:"reason,omitempty"`
	Source     RefundSource `json:"source"`
	GatewayRef string       `json:"gateway_ref,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

type Dispute struct {
	ID         string    `json:"id"`
	Reason     string    `json:"reason,omitempty"`
	Status     string    `json:"status"`
	GatewayRef string    `json:"gateway_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Payment is one attempt to charge for an order, keyed by its reference.
type Payment struct {
	Reference       string          `json:"reference"`
	OrderID         string          `json:"order_id"`
	UserID          string          `json:"user_id"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	Status          Status          `json:"status"`
	Channel         string          `json:"channel,omitempty"`
	GatewayResponse json.RawMessage `json:"-"`
	WebhookVerified bool            `json:"webhook_verified"`
	RetryCount      int             `json:"retry_count"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	Refunds         []Refund        `json:"refunds,omitempty"`
	Disputes        []Dispute       `json:"disputes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (p *Payment) RefundedAmount() int64 {
	var sum int64
	for _, r := range p.Refunds {
		sum += r.Amount
	}
	return sum
}

func (p *Payment) hasRefund(gatewayRef string) bool {
	if gatewayRef == "" {
		return false
	}
	for _, r := range p.Refunds {
		if r.GatewayRef == gatewayRef {
			return true
		}
	}
	return false
}

func (p *Payment) hasDispute(gatewayRef string) bool {
	if gatewayRef == "" {
		return false
	}
	for _, d := range p.Disputes {
		if d.GatewayRef == gatewayRef {
			return true
		}
	}
	return false
}

func (p *Payment) clone() *Payment {
	c := *p
	if p.GatewayResponse != nil {
		c.GatewayResponse = append(json.RawMessage(nil), p.GatewayResponse...)
	}
	if p.PaidAt != nil {
		t := *p.PaidAt
		c.PaidAt = &t
	}
	c.Refunds = append([]Refund(nil), p.Refunds...)
	c.Disputes = append([]Dispute(nil), p.Disputes...)
	return &c
}
