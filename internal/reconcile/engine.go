// Package reconcile funnels client verification and gateway callbacks into
// a single payment finalization.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gozon/fulfillment/internal/gateway"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/payment"
	"gozon/fulfillment/internal/webhook"
)

// Input is either ClientVerify or WebhookCallback.
type Input interface {
	isInput()
}

// ClientVerify is the buyer returning from the gateway and asking for the
// outcome of Reference.
type ClientVerify struct {
	Reference string
}

// WebhookCallback is an unverified gateway push: the raw body exactly as
// received and the signature header.
type WebhookCallback struct {
	Body      []byte
	Signature string
}

func (ClientVerify) isInput()    {}
func (WebhookCallback) isInput() {}

type TransactionVerifier interface {
	VerifyTransaction(ctx context.Context, reference string) (*gateway.Transaction, error)
}

type Ledger interface {
	Finalize(ctx context.Context, reference string, truth *gateway.Transaction, viaWebhook bool) (*payment.Finalization, error)
	Project(ctx context.Context, p *payment.Payment) (*order.Order, error)
	RecordRefund(ctx context.Context, reference string, req payment.RefundRequest) (*payment.Payment, error)
	RecordDispute(ctx context.Context, reference, reason, status, gatewayRef string) (*payment.Payment, error)
	Stale(ctx context.Context, after time.Duration, limit int) ([]payment.Payment, error)
	Abandon(ctx context.Context, reference string) (bool, error)
	ListUnprojected(ctx context.Context, limit int) ([]payment.Payment, error)
}

// Result reports what one Reconcile call did. Finalization is nil for
// callbacks that carry no transaction outcome.
type Result struct {
	Event        string
	Finalization *payment.Finalization
	Payment      *payment.Payment
	Ignored      bool
}

type Engine struct {
	verifier *webhook.Verifier
	gateway  TransactionVerifier
	ledger   Ledger
	logger   *slog.Logger
}

func NewEngine(verifier *webhook.Verifier, gw TransactionVerifier, ledger Ledger, logger *slog.Logger) *Engine {
	return &Engine{verifier: verifier, gateway: gw, ledger: ledger, logger: logger}
}

// Reconcile normalizes in to gateway truth and finalizes the payment it
// names. Webhook bodies are authenticated before anything else happens.
func (e *Engine) Reconcile(ctx context.Context, in Input) (*Result, error) {
	switch in := in.(type) {
	case ClientVerify:
		return e.clientVerify(ctx, in)
	case WebhookCallback:
		return e.webhookCallback(ctx, in)
	default:
		return nil, fmt.Errorf("unsupported reconcile input %T", in)
	}
}

func (e *Engine) clientVerify(ctx context.Context, in ClientVerify) (*Result, error) {
	ref := strings.TrimSpace(in.Reference)
	truth, err := e.gateway.VerifyTransaction(ctx, ref)
	if err != nil {
		return nil, err
	}
	if truth.Reference != "" && truth.Reference != ref {
		return nil, fmt.Errorf("%w: verify returned reference %q for %q", gateway.ErrRejected, truth.Reference, ref)
	}
	fin, err := e.ledger.Finalize(ctx, ref, truth, false)
	if fin == nil {
		return nil, err
	}
	return &Result{Event: "client.verify", Finalization: fin, Payment: fin.Payment}, err
}

func (e *Engine) webhookCallback(ctx context.Context, in WebhookCallback) (*Result, error) {
	if err := e.verifier.Verify(in.Body, in.Signature); err != nil {
		e.logger.Warn("webhook signature rejected", "body_bytes", len(in.Body), "has_signature", in.Signature != "")
		return nil, err
	}

	ev, err := webhook.Parse(in.Body)
	if err != nil {
		return nil, err
	}

	switch ev.Event {
	case webhook.EventChargeSuccess, webhook.EventChargeFailed:
		truth, err := ev.Transaction()
		if err != nil {
			return nil, err
		}
		fin, err := e.ledger.Finalize(ctx, truth.Reference, truth, true)
		if errors.Is(err, payment.ErrUnknownOrder) {
			e.logger.Warn("webhook for untraceable payment ignored", "event", ev.Event, "reference", truth.Reference)
			return &Result{Event: ev.Event, Ignored: true}, nil
		}
		if fin == nil {
			return nil, err
		}
		return &Result{Event: ev.Event, Finalization: fin, Payment: fin.Payment}, err

	case webhook.EventRefundProcessed:
		r, err := ev.Refund()
		if err != nil {
			return nil, err
		}
		p, err := e.ledger.RecordRefund(ctx, r.Reference, payment.RefundRequest{
			Amount:     r.Amount,
			Reason:     r.Reason,
			Source:     payment.RefundSourceGateway,
			GatewayRef: string(r.RefundReference),
		})
		if err != nil {
			return e.unappliable(ev.Event, r.Reference, err)
		}
		return &Result{Event: ev.Event, Payment: p}, nil

	case webhook.EventDisputeCreate:
		d, err := ev.Dispute()
		if err != nil {
			return nil, err
		}
		p, err := e.ledger.RecordDispute(ctx, d.Transaction.Reference, d.Category, d.Status, string(d.ID))
		if err != nil {
			return e.unappliable(ev.Event, d.Transaction.Reference, err)
		}
		return &Result{Event: ev.Event, Payment: p}, nil

	default:
		e.logger.Debug("webhook event ignored", "event", ev.Event)
		return &Result{Event: ev.Event, Ignored: true}, nil
	}
}

// unappliable acknowledges callbacks that can never succeed on redelivery.
func (e *Engine) unappliable(event, reference string, err error) (*Result, error) {
	switch {
	case errors.Is(err, payment.ErrNotFound),
		errors.Is(err, payment.ErrRefundNotAllowed),
		errors.Is(err, payment.ErrRefundExceedsAmount):
		e.logger.Warn("webhook event not applied", "event", event, "reference", reference, "err", err)
		return &Result{Event: event, Ignored: true}, nil
	}
	return nil, err
}
