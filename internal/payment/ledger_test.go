package payment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/gateway"
	"gozon/fulfillment/internal/order"
	"gozon/fulfillment/internal/stock"
	"gozon/fulfillment/pkg/contracts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockInitializer struct {
	InitializeFunc func(ctx context.Context, req gateway.InitializeRequest) (*gateway.Checkout, error)
}

func (m *MockInitializer) InitializeTransaction(ctx context.Context, req gateway.InitializeRequest) (*gateway.Checkout, error) {
	if m.InitializeFunc != nil {
		return m.InitializeFunc(ctx, req)
	}
	return &gateway.Checkout{
		AuthorizationURL: "https://pay.test/" + req.Reference,
		AccessCode:       "code-" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

type fixture struct {
	ledger *Ledger
	store  *MemoryStore
	orders *order.Service
	ostore *order.MemoryStore
	order  *order.Order
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adj := stock.NewMemoryAdjuster(map[string]int{"tee": 10})
	ostore := order.NewMemoryStore(adj)
	orders := order.NewService(ostore, adj, "NGN", logger)

	o, err := orders.Checkout(context.Background(), order.Draft{
		UserID: "user-1",
		Items:  []order.LineItem{{ProductID: "tee", Name: "Tee", Quantity: 2, UnitPrice: 5000}},
		ShippingAddress: order.ShippingAddress{
			FullName: "Ada", Address: "1 Marina", City: "Lagos", Country: "NG",
		},
		Totals: order.Totals{ItemsPrice: 10000, TaxPrice: 750, ShippingPrice: 1500, Discount: 250, TotalPrice: 12000},
	})
	require.NoError(t, err)

	store := NewMemoryStore()
	return &fixture{
		ledger: NewLedger(store, orders, &MockInitializer{}, logger),
		store:  store,
		orders: orders,
		ostore: ostore,
		order:  o,
	}
}

func (f *fixture) initialize(t *testing.T) *Payment {
	t.Helper()
	res, err := f.ledger.Initialize(context.Background(), f.order, "ada@example.com", "https://shop.test/return")
	require.NoError(t, err)
	return res.Payment
}

func successTruth(ref string, amount int64) *gateway.Transaction {
	paidAt := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return &gateway.Transaction{
		Reference: ref,
		Status:    gateway.StatusSuccess,
		Amount:    amount,
		Currency:  "NGN",
		Channel:   "card",
		PaidAt:    &paidAt,
		Raw:       []byte(`{"status":"success"}`),
	}
}

func paidEvents(s *order.MemoryStore) int {
	var n int
	for _, e := range s.Events() {
		if e.Type == contracts.EventOrderPaid {
			n++
		}
	}
	return n
}

func TestInitializeCreatesPendingPayment(t *testing.T) {
	f := newFixture(t)
	var seen gateway.InitializeRequest
	f.ledger.gateway = &MockInitializer{InitializeFunc: func(_ context.Context, req gateway.InitializeRequest) (*gateway.Checkout, error) {
		seen = req
		return &gateway.Checkout{AuthorizationURL: "https://pay.test/x", AccessCode: "x", Reference: req.Reference}, nil
	}}

	res, err := f.ledger.Initialize(context.Background(), f.order, "ada@example.com", "https://shop.test/return")
	require.NoError(t, err)

	assert.Equal(t, "https://pay.test/x", res.AuthorizationURL)
	assert.Equal(t, StatusPending, res.Payment.Status)
	assert.Equal(t, int64(12000), res.Payment.Amount)
	assert.Equal(t, 0, res.Payment.RetryCount)
	assert.Regexp(t, `^PAY-[0-9A-F]{32}$`, res.Payment.Reference)
	assert.Equal(t, res.Payment.Reference, seen.Reference)
	assert.Equal(t, f.order.ID, seen.Metadata.OrderID)
	assert.Equal(t, int64(12000), seen.Amount)
}

func TestInitializeRejectsPaidOrder(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)
	_, err := f.ledger.Finalize(context.Background(), p.Reference, successTruth(p.Reference, 12000), false)
	require.NoError(t, err)

	_, err = f.ledger.Initialize(context.Background(), f.order, "ada@example.com", "")
	assert.ErrorIs(t, err, ErrOrderAlreadyPaid)
}

func TestInitializeGatewayErrorLeavesNoPayment(t *testing.T) {
	f := newFixture(t)
	f.ledger.gateway = &MockInitializer{InitializeFunc: func(context.Context, gateway.InitializeRequest) (*gateway.Checkout, error) {
		return nil, &gateway.Error{Kind: gateway.ErrUnavailable, Op: "initialize transaction"}
	}}

	_, err := f.ledger.Initialize(context.Background(), f.order, "ada@example.com", "")
	assert.ErrorIs(t, err, gateway.ErrUnavailable)

	list, err := f.ledger.ListByOrder(context.Background(), f.order.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestInitializeRequiresEmail(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Initialize(context.Background(), f.order, " ", "")
	assert.True(t, apperr.IsValidation(err))
}

func TestRetryCreatesNewAttempt(t *testing.T) {
	f := newFixture(t)
	first := f.initialize(t)
	failed := &gateway.Transaction{Reference: first.Reference, Status: gateway.StatusFailed, GatewayResponse: "Declined"}
	_, err := f.ledger.Finalize(context.Background(), first.Reference, failed, false)
	require.NoError(t, err)

	second := f.initialize(t)
	assert.NotEqual(t, first.Reference, second.Reference)
	assert.Equal(t, 1, second.RetryCount)

	old, err := f.ledger.Get(context.Background(), first.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, old.Status)
	assert.Equal(t, "Declined", old.FailureReason)
}

func TestFinalizeSuccessMarksOrderPaid(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)

	res, err := f.ledger.Finalize(context.Background(), p.Reference, successTruth(p.Reference, 12000), false)
	require.NoError(t, err)

	assert.True(t, res.Applied)
	assert.Equal(t, StatusSuccess, res.Payment.Status)
	assert.Equal(t, "card", res.Payment.Channel)
	assert.JSONEq(t, `{"status":"success"}`, string(res.Payment.GatewayResponse))
	assert.True(t, res.Order.IsPaid)
	assert.Equal(t, order.StatusProcessing, res.Order.Status)
	assert.Equal(t, p.Reference, res.Order.PaymentReference)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)
	truth := successTruth(p.Reference, 12000)

	var applied int
	for i := 0; i < 5; i++ {
		res, err := f.ledger.Finalize(context.Background(), p.Reference, truth, i%2 == 0)
		require.NoError(t, err)
		if res.Applied {
			applied++
		}
		assert.Equal(t, StatusSuccess, res.Payment.Status)
		assert.True(t, res.Order.IsPaid)
	}

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, paidEvents(f.ostore))

	list, err := f.ledger.ListByOrder(context.Background(), f.order.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].WebhookVerified)
}

func TestFinalizeAmountMismatch(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)

	res, err := f.ledger.Finalize(context.Background(), p.Reference, successTruth(p.Reference, 11000), true)
	require.ErrorIs(t, err, ErrAmountMismatch)
	assert.Equal(t, StatusFailed, res.Payment.Status)
	assert.Equal(t, "amount mismatch", res.Payment.FailureReason)

	o, err := f.orders.Get(context.Background(), f.order.ID)
	require.NoError(t, err)
	assert.False(t, o.IsPaid)
	assert.Equal(t, order.StatusPending, o.Status)

	// A later correct report cannot revive a failed attempt.
	_, err = f.ledger.Finalize(context.Background(), p.Reference, successTruth(p.Reference, 12000), false)
	assert.ErrorIs(t, err, ErrAmountMismatch)
	o, err = f.orders.Get(context.Background(), f.order.ID)
	require.NoError(t, err)
	assert.False(t, o.IsPaid)
}

func TestFinalizeCurrencyMismatch(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)
	truth := successTruth(p.Reference, 12000)
	truth.Currency = "USD"

	res, err := f.ledger.Finalize(context.Background(), p.Reference, truth, false)
	require.ErrorIs(t, err, ErrAmountMismatch)
	assert.Equal(t, StatusFailed, res.Payment.Status)
}

func TestFinalizeFailureLeavesOrderAlone(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)

	res, err := f.ledger.Finalize(context.Background(), p.Reference,
		&gateway.Transaction{Reference: p.Reference, Status: gateway.StatusFailed}, false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Payment.Status)
	assert.False(t, res.Order.IsPaid)

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventPaymentFailed, events[0].Type)
}

func TestFinalizeOngoingChangesNothing(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)

	res, err := f.ledger.Finalize(context.Background(), p.Reference,
		&gateway.Transaction{Reference: p.Reference, Status: gateway.StatusOngoing}, false)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, StatusPending, res.Payment.Status)
}

func TestFinalizeConcurrentCallsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)
	truth := successTruth(p.Reference, 12000)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.ledger.Finalize(context.Background(), p.Reference, truth, i%2 == 0)
			if !assert.NoError(t, err) {
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, paidEvents(f.ostore))
}

func TestFinalizeManufacturesMissingRecord(t *testing.T) {
	f := newFixture(t)
	truth := successTruth("PAY-EXTERNAL", 12000)
	truth.Metadata = gateway.Metadata{OrderID: f.order.ID}

	res, err := f.ledger.Finalize(context.Background(), "PAY-EXTERNAL", truth, true)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, f.order.ID, res.Payment.OrderID)
	assert.Equal(t, "user-1", res.Payment.UserID)
	assert.True(t, res.Payment.WebhookVerified)
	assert.True(t, res.Order.IsPaid)
}

func TestFinalizeUntraceableReference(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.Finalize(context.Background(), "PAY-NOBODY", successTruth("PAY-NOBODY", 12000), true)
	assert.ErrorIs(t, err, ErrUnknownOrder)

	truth := successTruth("PAY-NOBODY", 12000)
	truth.Metadata.OrderID = "missing"
	_, err = f.ledger.Finalize(context.Background(), "PAY-NOBODY", truth, true)
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestSecondReferenceSucceedsOnPaidOrder(t *testing.T) {
	f := newFixture(t)
	first := f.initialize(t)
	second := f.initialize(t)

	_, err := f.ledger.Finalize(context.Background(), first.Reference, successTruth(first.Reference, 12000), false)
	require.NoError(t, err)
	res, err := f.ledger.Finalize(context.Background(), second.Reference, successTruth(second.Reference, 12000), false)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Payment.Status)
	assert.Equal(t, first.Reference, res.Order.PaymentReference)
	assert.Equal(t, 1, paidEvents(f.ostore))
}

func TestProjectRepairsUnpaidOrder(t *testing.T) {
	f := newFixture(t)
	p := f.initialize(t)
	paidAt := time.Date(2026, 10, 2, 9, 0, 0, 0, time.UTC)
	settled, applied, err := f.store.Settle(context.Background(), p.Reference, StatusPending, Outcome{
		Status: StatusSuccess, PaidAt: &paidAt, At: paidAt,
	})
	require.NoError(t, err)
	require.True(t, applied)

	o, err := f.ledger.Project(context.Background(), settled)
	require.NoError(t, err)
	assert.True(t, o.IsPaid)
	assert.Equal(t, paidAt, *o.PaidAt)

	_, err = f.ledger.Project(context.Background(), settled)
	require.NoError(t, err)
	assert.Equal(t, 1, paidEvents(f.ostore))
}

func TestRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.initialize(t)
	_, err := f.ledger.RecordRefund(ctx, p.Reference, RefundRequest{Amount: 100})
	assert.ErrorIs(t, err, ErrRefundNotAllowed)

	_, err = f.ledger.Finalize(ctx, p.Reference, successTruth(p.Reference, 12000), false)
	require.NoError(t, err)

	got, err := f.ledger.RecordRefund(ctx, p.Reference, RefundRequest{Amount: 2000, Reason: "damaged"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, int64(2000), got.RefundedAmount())

	_, err = f.ledger.RecordRefund(ctx, p.Reference, RefundRequest{Amount: 10001})
	assert.ErrorIs(t, err, ErrRefundExceedsAmount)

	got, err = f.ledger.RecordRefund(ctx, p.Reference, RefundRequest{Amount: 10000, Source: RefundSourceGateway, GatewayRef: "rf_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	require.Len(t, got.Refunds, 2)

	again, err := f.ledger.RecordRefund(ctx, p.Reference, RefundRequest{Amount: 10000, Source: RefundSourceGateway, GatewayRef: "rf_1"})
	require.NoError(t, err)
	assert.Len(t, again.Refunds, 2)

	_, err = f.ledger.RecordRefund(ctx, p.Reference, RefundRequest{Amount: 0})
	assert.True(t, apperr.IsValidation(err))
}

func TestDisputesAreAppendOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.initialize(t)

	_, err := f.ledger.RecordDispute(ctx, p.Reference, "fraud", "", "dp_1")
	require.NoError(t, err)
	got, err := f.ledger.RecordDispute(ctx, p.Reference, "fraud", "", "dp_1")
	require.NoError(t, err)
	require.Len(t, got.Disputes, 1)
	assert.Equal(t, "open", got.Disputes[0].Status)

	_, err = f.ledger.RecordDispute(ctx, "PAY-NONE", "fraud", "", "dp_2")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStaleAndAbandon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)
	f.ledger.now = func() time.Time { return base }
	stale := f.initialize(t)

	f.ledger.now = func() time.Time { return base.Add(50 * time.Minute) }
	fresh := f.initialize(t)

	list, err := f.ledger.Stale(ctx, 30*time.Minute, 100)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, stale.Reference, list[0].Reference)

	applied, err := f.ledger.Abandon(ctx, stale.Reference)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = f.ledger.Abandon(ctx, stale.Reference)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := f.ledger.Get(ctx, stale.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, got.Status)
	got, err = f.ledger.Get(ctx, fresh.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	o, err := f.orders.Get(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)
}

func TestLateSuccessOnCancelledOrderIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.initialize(t)
	_, err := f.orders.UpdateStatus(ctx, f.order.ID, order.StatusUpdate{Status: order.StatusCancelled, Reason: "timeout"})
	require.NoError(t, err)

	res, err := f.ledger.Finalize(ctx, p.Reference, successTruth(p.Reference, 12000), true)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Payment.Status)
	assert.True(t, res.Order.IsPaid)
	assert.Equal(t, order.StatusCancelled, res.Order.Status)
}

func TestLateSuccessOnClosedAttemptRaisesAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var logs bytes.Buffer
	f.ledger.logger = slog.New(slog.NewTextHandler(&logs, nil))

	p := f.initialize(t)
	applied, err := f.ledger.Abandon(ctx, p.Reference)
	require.NoError(t, err)
	require.True(t, applied)

	res, err := f.ledger.Finalize(ctx, p.Reference, successTruth(p.Reference, 12000), true)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, StatusAbandoned, res.Payment.Status)
	assert.False(t, res.Order.IsPaid)
	assert.Contains(t, logs.String(), "level=ERROR")
	assert.Contains(t, logs.String(), "successful charge for closed payment attempt")
	assert.Contains(t, logs.String(), "reference="+p.Reference)
}

func TestMismatchedAttemptDoesNotRaiseClosedAttemptAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.initialize(t)
	_, err := f.ledger.Finalize(ctx, p.Reference, successTruth(p.Reference, 11000), false)
	require.ErrorIs(t, err, ErrAmountMismatch)

	var logs bytes.Buffer
	f.ledger.logger = slog.New(slog.NewTextHandler(&logs, nil))
	_, err = f.ledger.Finalize(ctx, p.Reference, successTruth(p.Reference, 11000), true)
	require.ErrorIs(t, err, ErrAmountMismatch)
	assert.NotContains(t, logs.String(), "closed payment attempt")
}
