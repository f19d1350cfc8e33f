package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gozon/fulfillment/internal/stock"
	"gozon/fulfillment/pkg/messaging"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orderColumns = `id, order_number, user_id, items, shipping_address,
	items_price, tax_price, shipping_price, discount, total_price, currency,
	status, is_paid, paid_at, payment_reference, is_delivered, delivered_at,
	tracking_number, cancellation_reason, cancelled_at, created_at, updated_at`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal address: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (id, order_number, user_id, items, shipping_address,
			items_price, tax_price, shipping_price, discount, total_price, currency,
			status, is_paid, is_delivered, tracking_number, cancellation_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, FALSE, FALSE, '', '', $13, $13)`,
		o.ID, o.OrderNumber, o.UserID, items, addr,
		o.ItemsPrice, o.TaxPrice, o.ShippingPrice, o.Discount, o.TotalPrice, o.Currency,
		o.Status, o.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrOrderExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var result []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Transition(ctx context.Context, id string, ch StatusChange) (*Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	o, err := lockOrder(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != ch.From {
		return nil, ErrStatusChanged
	}

	applyChange(o, ch)
	if err := writeMutable(ctx, tx, o); err != nil {
		return nil, err
	}
	if ch.To == StatusCancelled {
		if err := stock.ReleaseTx(ctx, tx, o.StockItems()); err != nil {
			return nil, fmt.Errorf("release stock: %w", err)
		}
	}

	env, err := statusChangedEvent(o, ch.From)
	if err != nil {
		return nil, err
	}
	if err := messaging.Enqueue(ctx, tx, env); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PostgresStore) MarkPaid(ctx context.Context, id string, m PaidMark) (*Order, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	o, err := lockOrder(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if o.IsPaid {
		return o, false, nil
	}

	applyPaid(o, m)
	if err := writeMutable(ctx, tx, o); err != nil {
		return nil, false, err
	}

	env, err := paidEvent(o)
	if err != nil {
		return nil, false, err
	}
	if err := messaging.Enqueue(ctx, tx, env); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return o, true, nil
}

func lockOrder(ctx context.Context, tx pgx.Tx, id string) (*Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}
	return o, nil
}

func writeMutable(ctx context.Context, tx pgx.Tx, o *Order) error {
	var ref *string
	if o.PaymentReference != "" {
		ref = &o.PaymentReference
	}
	_, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, is_paid = $3, paid_at = $4, payment_reference = $5,
		    is_delivered = $6, delivered_at = $7, tracking_number = $8,
		    cancellation_reason = $9, cancelled_at = $10, updated_at = $11
		WHERE id = $1`,
		o.ID, o.Status, o.IsPaid, o.PaidAt, ref,
		o.IsDelivered, o.DeliveredAt, o.TrackingNumber,
		o.CancellationReason, o.CancelledAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o        Order
		items    []byte
		addr     []byte
		ref      *string
		tracking *string
		reason   *string
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &items, &addr,
		&o.ItemsPrice, &o.TaxPrice, &o.ShippingPrice, &o.Discount, &o.TotalPrice, &o.Currency,
		&o.Status, &o.IsPaid, &o.PaidAt, &ref, &o.IsDelivered, &o.DeliveredAt,
		&tracking, &reason, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if err := json.Unmarshal(addr, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	if ref != nil {
		o.PaymentReference = *ref
	}
	if tracking != nil {
		o.TrackingNumber = *tracking
	}
	if reason != nil {
		o.CancellationReason = *reason
	}
	return &o, nil
}
