package gateway

import (
	"bytes"
	"encoding/json"
	"time"
)

type TransactionStatus string

const (
	StatusSuccess   TransactionStatus = "success"
	StatusFailed    TransactionStatus = "failed"
	StatusAbandoned TransactionStatus = "abandoned"
	StatusOngoing   TransactionStatus = "ongoing"
	StatusPending   TransactionStatus = "pending"
	StatusReversed  TransactionStatus = "reversed"
)

// Metadata is echoed back by the gateway on verify and on webhooks; it is
// how an unknown reference is traced back to its order.
type Metadata struct {
	OrderID     string `json:"order_id,omitempty"`
	OrderNumber string `json:"order_number,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// UnmarshalJSON accepts an object, a JSON-encoded string, or an empty value.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		b = []byte(s)
	}
	if b[0] != '{' {
		return nil
	}
	type plain Metadata
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*m = Metadata(p)
	return nil
}

type InitializeRequest struct {
	Email       string
	Amount      int64
	Currency    string
	Reference   string
	CallbackURL string
	Metadata    Metadata
}

// Checkout is the hosted-payment handle returned by initialize.
type Checkout struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Transaction is gateway truth for one reference.
type Transaction struct {
	Reference       string            `json:"reference"`
	Status          TransactionStatus `json:"status"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	Channel         string            `json:"channel"`
	GatewayResponse string            `json:"gateway_response"`
	PaidAt          *time.Time        `json:"paid_at"`
	Metadata        Metadata          `json:"metadata"`
	Customer        struct {
		Email string `json:"email"`
	} `json:"customer"`

	// Raw is the exact data object the gateway sent.
	Raw json.RawMessage `json:"-"`
}

// Final reports whether the gateway has reached an outcome for the reference.
func (t *Transaction) Final() bool {
	switch t.Status {
	case StatusSuccess, StatusFailed, StatusAbandoned, StatusReversed:
		return true
	}
	return false
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initializeBody struct {
	Email       string   `json:"email"`
	Amount      int64    `json:"amount"`
	Currency    string   `json:"currency,omitempty"`
	Reference   string   `json:"reference"`
	CallbackURL string   `json:"callback_url,omitempty"`
	Metadata    Metadata `json:"metadata"`
}
