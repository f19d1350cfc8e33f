package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"gozon/fulfillment/internal/gateway"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/payment"
	"gozon/fulfillment/internal/stock"
	"gozon/fulfillment/internal/webhook"
	"gozon/fulfillment/pkg/contracts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

type MockGateway struct {
	mu         sync.Mutex
	calls      int
	VerifyFunc func(ctx context.Context, reference string) (*gateway.Transaction, error)
}

func (m *MockGateway) VerifyTransaction(ctx context.Context, reference string) (*gateway.Transaction, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.VerifyFunc(ctx, reference)
}

func (m *MockGateway) InitializeTransaction(_ context.Context, req gateway.InitializeRequest) (*gateway.Checkout, error) {
	return &gateway.Checkout{AuthorizationURL: "https://pay.test/" + req.Reference, Reference: req.Reference}, nil
}

type harness struct {
	engine   *Engine
	gw       *MockGateway
	ledger   *payment.Ledger
	payments *payment.MemoryStore
	orders   *order.Service
	ostore   *order.MemoryStore
	order    *order.Order
	signer   *webhook.Verifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adj := stock.NewMemoryAdjuster(map[string]int{"hoodie": 3})
	ostore := order.NewMemoryStore(adj)
	orders := order.NewService(ostore, adj, "NGN", logger)
	o, err := orders.Checkout(context.Background(), order.Draft{
		UserID:          "buyer-1",
		Items:           []order.LineItem{{ProductID: "hoodie", Name: "Hoodie", Quantity: 1, UnitPrice: 10000}},
		ShippingAddress: order.ShippingAddress{FullName: "Ada", Address: "1 Marina", City: "Lagos", Country: "NG"},
		Totals:          order.Totals{ItemsPrice: 10000, TaxPrice: 750, ShippingPrice: 1500, Discount: 250, TotalPrice: 12000},
	})
	require.NoError(t, err)

	gw := &MockGateway{VerifyFunc: func(context.Context, string) (*gateway.Transaction, error) {
		return nil, fmt.Errorf("unexpected verify")
	}}
	payments := payment.NewMemoryStore()
	ledger := payment.NewLedger(payments, orders, gw, logger)
	verifier := webhook.NewVerifier(secret)

	return &harness{
		engine:   NewEngine(verifier, gw, ledger, logger),
		gw:       gw,
		ledger:   ledger,
		payments: payments,
		orders:   orders,
		ostore:   ostore,
		order:    o,
		signer:   verifier,
	}
}

func (h *harness) initialize(t *testing.T) string {
	t.Helper()
	res, err := h.ledger.Initialize(context.Background(), h.order, "ada@example.com", "")
	require.NoError(t, err)
	return res.Payment.Reference
}

func (h *harness) gatewayReports(status gateway.TransactionStatus, amount int64) {
	h.gw.VerifyFunc = func(_ context.Context, ref string) (*gateway.Transaction, error) {
		return &gateway.Transaction{Reference: ref, Status: status, Amount: amount, Currency: "NGN", Channel: "card"}, nil
	}
}

func (h *harness) callback(t *testing.T, event string, data any) WebhookCallback {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(t, err)
	return WebhookCallback{Body: raw, Signature: h.signer.Sign(raw)}
}

func (h *harness) charge(t *testing.T, ref string, amount int64) WebhookCallback {
	return h.callback(t, webhook.EventChargeSuccess, map[string]any{
		"reference": ref, "status": "success", "amount": amount, "currency": "NGN",
		"metadata": map[string]string{"order_id": h.order.ID},
	})
}

func (h *harness) paidEvents() int {
	var n int
	for _, e := range h.ostore.Events() {
		if e.Type == contracts.EventOrderPaid {
			n++
		}
	}
	return n
}

func (h *harness) currentOrder(t *testing.T) *order.Order {
	t.Helper()
	o, err := h.orders.Get(context.Background(), h.order.ID)
	require.NoError(t, err)
	return o
}

func TestClientVerifyMarksOrderPaid(t *testing.T) {
	h := newHarness(t)
	ref := h.initialize(t)
	h.gatewayReports(gateway.StatusSuccess, 12000)

	res, err := h.engine.Reconcile(context.Background(), ClientVerify{Reference: ref})
	require.NoError(t, err)
	assert.True(t, res.Finalization.Applied)
	assert.Equal(t, payment.StatusSuccess, res.Payment.Status)

	o := h.currentOrder(t)
	assert.True(t, o.IsPaid)
	assert.Equal(t, order.StatusProcessing, o.Status)
}

func TestClientVerifyAmountMismatch(t *testing.T) {
	h := newHarness(t)
	ref := h.initialize(t)
	h.gatewayReports(gateway.StatusSuccess, 11000)

	res, err := h.engine.Reconcile(context.Background(), ClientVerify{Reference: ref})
	require.ErrorIs(t, err, payment.ErrAmountMismatch)
	assert.Equal(t, payment.StatusFailed, res.Payment.Status)

	o := h.currentOrder(t)
	assert.False(t, o.IsPaid)
	assert.Equal(t, order.StatusPending, o.Status)
}

func TestClientVerifyGatewayDown(t *testing.T) {
	h := newHarness(t)
	ref := h.initialize(t)
	h.gw.VerifyFunc = func(context.Context, string) (*gateway.Transaction, error) {
		return nil, &gateway.Error{Kind: gateway.ErrUnavailable, Op: "verify transaction"}
	}

	_, err := h.engine.Reconcile(context.Background(), ClientVerify{Reference: ref})
	assert.ErrorIs(t, err, gateway.ErrUnavailable)

	p, err := h.ledger.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, p.Status)
}

func TestWebhookFirstThenClient(t *testing.T) {
	h := newHarness(t)
	ref := h.initialize(t)
	h.gatewayReports(gateway.StatusSuccess, 12000)

	res, err := h.engine.Reconcile(context.Background(), h.charge(t, ref, 12000))
	require.NoError(t, err)
	assert.True(t, res.Finalization.Applied)
	assert.True(t, res.Payment.WebhookVerified)

	res, err = h.engine.Reconcile(context.Background(), ClientVerify{Reference: ref})
	require.NoError(t, err)
	assert.False(t, res.Finalization.Applied)
	assert.Equal(t, payment.StatusSuccess, res.Payment.Status)
	assert.Equal(t, 1, h.paidEvents())
}

func TestClientFirstThenDuplicateWebhooks(t *testing.T) {
	h := newHarness(t)
	ref := h.initialize(t)
	h.gatewayReports(gateway.StatusSuccess, 12000)

	_, err := h.engine.Reconcile(context.Background(), ClientVerify{Reference: ref})
	require.NoError(t, err)

	cb := h.charge(t, ref, 12000)
	for i := 0; i < 4; i++ {
		res, err := h.engine.Reconcile(context.Background(), cb)
		require.NoError(t, err)
		assert.False(t, res.Finalization.Applied)
	}

	p, err := h.ledger.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, p.WebhookVerified)
	assert.Equal(t, 1, h.paidEvents())
}

func TestWebhookTamperedBodyNeverReachesLedger(t *testing.T) {
	h := newHarness(t)
	ref := h.initialize(t)
	cb := h.charge(t, ref, 12000)

	tampered := append([]byte(nil), cb.Body...)
	tampered[len(tampered)/2] ^= 0x20
	_, err := h.engine.Reconcile(context.Background(), WebhookCallback{Body: tampered, Signature: cb.Signature})
	assert.ErrorIs(t, err, webhook.ErrSignatureInvalid)

	_, err = h.engine.Reconcile(context.Background(), WebhookCallback{Body: cb.Body})
	assert.ErrorIs(t, err, webhook.ErrSignatureInvalid)

	p, err := h.ledger.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.False(t, h.currentOrder(t).IsPaid)
}

func TestWebhookAndClientRace(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t)
		ref := h.initialize(t)
		h.gatewayReports(gateway.StatusSuccess, 12000)
		cb := h.charge(t, ref, 12000)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
		)
		inputs := []Input{cb, ClientVerify{Reference: ref}, cb, ClientVerify{Reference: ref}}
		for _, in := range inputs {
			wg.Add(1)
			go func(in Input) {
				defer wg.Done()
				res, err := h.engine.Reconcile(context.Background(), in)
				if !assert.NoError(t, err) {
					return
				}
				if res.Finalization.Applied {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}(in)
		}
		wg.Wait()

		assert.Equal(t, 1, applied)
		assert.Equal(t, 1, h.paidEvents())
		assert.True(t, h.currentOrder(t).IsPaid)
	}
}

func TestWebhookBeforeLocalRecord(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.Reconcile(context.Background(), h.charge(t, "PAY-LOST", 12000))
	require.NoError(t, err)
	assert.True(t, res.Finalization.Applied)
	assert.Equal(t, h.order.ID, res.Payment.OrderID)
	assert.True(t, h.currentOrder(t).IsPaid)
}

func TestWebhookUntraceableIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	cb := h.callback(t, webhook.EventChargeSuccess, map[string]any{
		"reference": "PAY-GHOST", "status": "success", "amount": 12000, "currency": "NGN",
	})

	res, err := h.engine.Reconcile(context.Background(), cb)
	require.NoError(t, err)
	assert.True(t, res.Ignored)
}

func TestWebhookRefundAndDispute(t *testing.T) {
	h := newHarness(t)
	ref := h.initialize(t)
	_, err := h.engine.Reconcile(context.Background(), h.charge(t, ref, 12000))
	require.NoError(t, err)

	refund := h.callback(t, webhook.EventRefundProcessed, map[string]any{
		"transaction_reference": ref, "refund_reference": 555, "amount": 12000, "status": "processed",
	})
	res, err := h.engine.Reconcile(context.Background(), refund)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, res.Payment.Status)

	res, err = h.engine.Reconcile(context.Background(), refund)
	require.NoError(t, err)
	assert.Len(t, res.Payment.Refunds, 1)

	dispute := h.callback(t, webhook.EventDisputeCreate, map[string]any{
		"id": 77, "category": "fraud", "status": "awaiting-merchant-feedback",
		"transaction": map[string]string{"reference": ref},
	})
	res, err = h.engine.Reconcile(context.Background(), dispute)
	require.NoError(t, err)
	require.Len(t, res.Payment.Disputes, 1)
	assert.Equal(t, "77", res.Payment.Disputes[0].GatewayRef)

	unknown := h.callback(t, webhook.EventRefundProcessed, map[string]any{
		"transaction_reference": "PAY-NONE", "refund_reference": "r", "amount": 1,
	})
	res, err = h.engine.Reconcile(context.Background(), unknown)
	require.NoError(t, err)
	assert.True(t, res.Ignored)
}

func TestWebhookUnknownEventIgnored(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine.Reconcile(context.Background(), h.callback(t, "transfer.success", map[string]any{"reference": "x"}))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	abandoned := h.initialize(t)
	paid := h.initialize(t)
	unknown := h.initialize(t)
	down := h.initialize(t)
	badKey := h.initialize(t)
	refused := h.initialize(t)

	h.gw.VerifyFunc = func(_ context.Context, ref string) (*gateway.Transaction, error) {
		switch ref {
		case paid:
			return &gateway.Transaction{Reference: ref, Status: gateway.StatusSuccess, Amount: 12000, Currency: "NGN"}, nil
		case unknown:
			return nil, &gateway.Error{Kind: gateway.ErrRejected, Op: "verify transaction", StatusCode: 404}
		case down:
			return nil, &gateway.Error{Kind: gateway.ErrUnavailable, Op: "verify transaction", StatusCode: 429}
		case badKey:
			return nil, &gateway.Error{Kind: gateway.ErrRejected, Op: "verify transaction", StatusCode: 401}
		case refused:
			return nil, &gateway.Error{Kind: gateway.ErrRejected, Op: "verify transaction", StatusCode: 200, Message: "no"}
		}
		return &gateway.Transaction{Reference: ref, Status: gateway.StatusOngoing}, nil
	}

	n, err := h.engine.Sweep(ctx, -time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	status := func(ref string) payment.Status {
		p, err := h.ledger.Get(ctx, ref)
		require.NoError(t, err)
		return p.Status
	}
	assert.Equal(t, payment.StatusAbandoned, status(abandoned))
	assert.Equal(t, payment.StatusSuccess, status(paid))
	assert.Equal(t, payment.StatusAbandoned, status(unknown))
	assert.Equal(t, payment.StatusPending, status(down))
	assert.Equal(t, payment.StatusPending, status(badKey))
	assert.Equal(t, payment.StatusPending, status(refused))
	assert.True(t, h.currentOrder(t).IsPaid)
}

func TestRepairReplaysSuccessfulPayment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ref := h.initialize(t)

	// Payment settled but the order update never happened.
	paidAt := time.Date(2026, 10, 3, 8, 0, 0, 0, time.UTC)
	_, applied, err := h.payments.Settle(ctx, ref, payment.StatusPending, payment.Outcome{
		Status: payment.StatusSuccess, PaidAt: &paidAt, At: paidAt,
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.False(t, h.currentOrder(t).IsPaid)

	n, err := h.engine.Repair(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o := h.currentOrder(t)
	assert.True(t, o.IsPaid)
	assert.Equal(t, ref, o.PaymentReference)

	_, err = h.engine.Repair(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, h.paidEvents())
}
