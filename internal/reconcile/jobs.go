package reconcile

import (
	"context"
	"errors"
	"time"

	"gozon/fulfillment/internal/gateway"
)

// Sweep settles payments left pending longer than after. Each one is checked
// with the gateway first so a charge whose callback was lost is still
// finalized. A payment is abandoned only when the gateway reports no final
// outcome or says it has never seen the reference. Any other gateway error
// leaves the payment pending for the next run.
func (e *Engine) Sweep(ctx context.Context, after time.Duration, limit int) (int, error) {
	stale, err := e.ledger.Stale(ctx, after, limit)
	if err != nil {
		return 0, err
	}

	var settled int
	for _, p := range stale {
		if err := ctx.Err(); err != nil {
			return settled, err
		}

		truth, err := e.gateway.VerifyTransaction(ctx, p.Reference)
		switch {
		case err == nil:
		case gateway.IsUnknownReference(err):
			// The buyer never reached the payment page.
			truth = nil
		case errors.Is(err, gateway.ErrUnavailable):
			e.logger.Warn("sweep: gateway unavailable", "reference", p.Reference, "err", err)
			continue
		default:
			e.logger.Warn("sweep: verification rejected, payment left pending", "reference", p.Reference, "err", err)
			continue
		}

		if truth != nil && truth.Final() {
			fin, err := e.ledger.Finalize(ctx, p.Reference, truth, false)
			if err != nil && fin == nil {
				e.logger.Error("sweep: finalize failed", "reference", p.Reference, "err", err)
				continue
			}
			if fin.Applied {
				settled++
			}
			continue
		}

		applied, err := e.ledger.Abandon(ctx, p.Reference)
		if err != nil {
			return settled, err
		}
		if applied {
			settled++
		}
	}
	if settled > 0 {
		e.logger.Info("stale payments swept", "count", settled)
	}
	return settled, nil
}

// Repair replays successful payments onto orders that do not show them yet.
func (e *Engine) Repair(ctx context.Context, limit int) (int, error) {
	payments, err := e.ledger.ListUnprojected(ctx, limit)
	if err != nil {
		return 0, err
	}

	var repaired int
	for i := range payments {
		p := &payments[i]
		o, err := e.ledger.Project(ctx, p)
		if err != nil {
			e.logger.Error("repair: order projection failed", "reference", p.Reference, "order_id", p.OrderID, "err", err)
			continue
		}
		if o.PaymentReference == p.Reference {
			repaired++
		}
	}
	return repaired, nil
}

// Schedule runs fn every interval until ctx is done.
func (e *Engine) Schedule(ctx context.Context, name string, interval time.Duration, fn func(context.Context) (int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fn(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("background job failed", "job", name, "err", err)
			}
		}
	}
}
