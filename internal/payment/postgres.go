package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gozon/fulfillment/pkg/messaging"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const paymentColumns = `reference, order_id, user_id, amount, currency, status, channel,
	gateway_response, webhook_verified, retry_count, failure_reason, paid_at, created_at, updated_at`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) FindOrCreate(ctx context.Context, p *Payment) (*Payment, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO payments (reference, order_id, user_id, amount, currency, status, channel,
			gateway_response, webhook_verified, retry_count, failure_reason, paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (reference) DO NOTHING`,
		p.Reference, p.OrderID, p.UserID, p.Amount, p.Currency, p.Status, p.Channel,
		nullJSON(p.GatewayResponse), p.WebhookVerified, p.RetryCount, p.FailureReason, p.PaidAt, p.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert payment: %w", err)
	}
	stored, err := s.Get(ctx, p.Reference)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, reference string) (*Payment, error) {
	return getPayment(ctx, s.pool, reference, false)
}

func (s *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]Payment, error) {
	return s.list(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at`, orderID)
}

func (s *PostgresStore) Settle(ctx context.Context, reference string, from Status, out Outcome) (*Payment, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	p, err := scanPayment(tx.QueryRow(ctx, `
		UPDATE payments
		SET status = $3,
		    channel = CASE WHEN $4 = '' THEN channel ELSE $4 END,
		    gateway_response = COALESCE($5, gateway_response),
		    webhook_verified = webhook_verified OR $6,
		    failure_reason = $7,
		    paid_at = COALESCE($8, paid_at),
		    updated_at = $9
		WHERE reference = $1 AND status = $2
		RETURNING `+paymentColumns,
		reference, from, out.Status, out.Channel, nullJSON(out.GatewayResponse),
		out.WebhookVerified, out.FailureReason, out.PaidAt, out.At,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, err := getPayment(ctx, tx, reference, true)
		if err != nil {
			return nil, false, err
		}
		return cur, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("settle payment: %w", err)
	}

	if emitsFailure(p.Status) {
		env, err := failedEvent(p)
		if err != nil {
			return nil, false, err
		}
		if err := messaging.Enqueue(ctx, tx, env); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (s *PostgresStore) MarkWebhookVerified(ctx context.Context, reference string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments SET webhook_verified = TRUE, updated_at = NOW()
		WHERE reference = $1 AND NOT webhook_verified`, reference)
	if err != nil {
		return fmt.Errorf("mark webhook verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE reference = $1)`, reference).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *PostgresStore) AddRefund(ctx context.Context, reference string, r Refund) (*Payment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := lockPayment(ctx, tx, reference)
	if err != nil {
		return nil, err
	}
	record, err := checkRefund(p, r)
	if err != nil {
		return nil, err
	}
	if !record {
		return p, nil
	}

	applyRefund(p, r)
	if _, err := tx.Exec(ctx, `
		INSERT INTO payment_refunds (id, reference, amount, reason, source, gateway_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, reference, r.Amount, r.Reason, r.Source, r.GatewayRef, r.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert refund: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE payments SET status = $2, updated_at = $3 WHERE reference = $1`,
		reference, p.Status, p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) AddDispute(ctx context.Context, reference string, d Dispute) (*Payment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := lockPayment(ctx, tx, reference)
	if err != nil {
		return nil, err
	}
	if p.hasDispute(d.GatewayRef) {
		return p, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO payment_disputes (id, reference, reason, status, gateway_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, reference, d.Reason, d.Status, d.GatewayRef, d.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert dispute: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE payments SET updated_at = $2 WHERE reference = $1`, reference, d.CreatedAt); err != nil {
		return nil, fmt.Errorf("update payment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	p.Disputes = append(p.Disputes, d)
	p.UpdatedAt = d.CreatedAt
	return p, nil
}

func (s *PostgresStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]Payment, error) {
	return s.list(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, before, limit)
}

func (s *PostgresStore) ListUnprojected(ctx context.Context, limit int) ([]Payment, error) {
	return s.list(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'success'
		  AND order_id IN (SELECT id FROM orders WHERE NOT is_paid)
		ORDER BY created_at
		LIMIT $1`, limit)
}

func (s *PostgresStore) list(ctx context.Context, sql string, args ...any) ([]Payment, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var result []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		if err := loadHistory(ctx, s.pool, &result[i]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func getPayment(ctx context.Context, q querier, reference string, forUpdate bool) (*Payment, error) {
	sql := `SELECT ` + paymentColumns + ` FROM payments WHERE reference = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	p, err := scanPayment(q.QueryRow(ctx, sql, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if err := loadHistory(ctx, q, p); err != nil {
		return nil, err
	}
	return p, nil
}

func lockPayment(ctx context.Context, tx pgx.Tx, reference string) (*Payment, error) {
	return getPayment(ctx, tx, reference, true)
}

func loadHistory(ctx context.Context, q querier, p *Payment) error {
	rows, err := q.Query(ctx, `
		SELECT id, amount, reason, source, gateway_ref, created_at
		FROM payment_refunds WHERE reference = $1 ORDER BY created_at`, p.Reference)
	if err != nil {
		return fmt.Errorf("query refunds: %w", err)
	}
	refunds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Refund, error) {
		var r Refund
		err := row.Scan(&r.ID, &r.Amount, &r.Reason, &r.Source, &r.GatewayRef, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return fmt.Errorf("scan refunds: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT id, reason, status, gateway_ref, created_at
		FROM payment_disputes WHERE reference = $1 ORDER BY created_at`, p.Reference)
	if err != nil {
		return fmt.Errorf("query disputes: %w", err)
	}
	disputes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Dispute, error) {
		var d Dispute
		err := row.Scan(&d.ID, &d.Reason, &d.Status, &d.GatewayRef, &d.CreatedAt)
		return d, err
	})
	if err != nil {
		return fmt.Errorf("scan disputes: %w", err)
	}

	p.Refunds = refunds
	p.Disputes = disputes
	return nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p   Payment
		raw []byte
	)
	err := row.Scan(
		&p.Reference, &p.OrderID, &p.UserID, &p.Amount, &p.Currency, &p.Status, &p.Channel,
		&raw, &p.WebhookVerified, &p.RetryCount, &p.FailureReason, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		p.GatewayResponse = raw
	}
	return &p, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
