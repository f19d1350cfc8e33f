package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/gateway"
)

const (
	EventChargeSuccess   = "charge.success"
	EventChargeFailed    = "charge.failed"
	EventRefundProcessed = "refund.processed"
	EventDisputeCreate   = "charge.dispute.create"
)

type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Parse decodes a verified body.
func Parse(body []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, apperr.Validation("malformed webhook body")
	}
	if e.Event == "" || len(e.Data) == 0 {
		return nil, apperr.Validation("webhook event or data missing")
	}
	return &e, nil
}

// Transaction normalizes a charge event into gateway truth.
func (e *Event) Transaction() (*gateway.Transaction, error) {
	var tx gateway.Transaction
	if err := json.Unmarshal(e.Data, &tx); err != nil {
		return nil, apperr.Validation(fmt.Sprintf("decode %s data", e.Event))
	}
	if tx.Reference == "" {
		return nil, apperr.Validation("webhook transaction reference missing")
	}
	if tx.Status == "" {
		switch e.Event {
		case EventChargeSuccess:
			tx.Status = gateway.StatusSuccess
		case EventChargeFailed:
			tx.Status = gateway.StatusFailed
		}
	}
	tx.Raw = e.Data
	return &tx, nil
}

type Refund struct {
	Reference       string `json:"transaction_reference"`
	RefundReference ID     `json:"refund_reference"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
	Reason          string `json:"merchant_note"`
}

func (e *Event) Refund() (*Refund, error) {
	var r Refund
	if err := json.Unmarshal(e.Data, &r); err != nil {
		return nil, apperr.Validation("decode refund data")
	}
	if r.Reference == "" {
		return nil, apperr.Validation("refund transaction reference missing")
	}
	return &r, nil
}

type Dispute struct {
	ID          ID     `json:"id"`
	Category    string `json:"category"`
	Status      string `json:"status"`
	Transaction struct {
		Reference string `json:"reference"`
	} `json:"transaction"`
}

func (e *Event) Dispute() (*Dispute, error) {
	var d Dispute
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, apperr.Validation("decode dispute data")
	}
	if d.Transaction.Reference == "" {
		return nil, apperr.Validation("dispute transaction reference missing")
	}
	return &d, nil
}

// ID accepts gateway identifiers sent either as numbers or strings.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(strings.TrimSpace(n.String()))
	return nil
}
