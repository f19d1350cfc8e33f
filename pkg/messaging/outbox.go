package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gozon/fulfillment/pkg/contracts"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxRecord is one claimed row of the outbox table.
type OutboxRecord struct {
	ID        int64
	EventID   string
	EventType string
	Payload   []byte
	Attempts  int
}

// OutboxStore is the persistence side of the dispatcher.
type OutboxStore interface {
	Claim(ctx context.Context, limit int, lease time.Duration) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, nextRetry time.Time) error
}

// Enqueue writes env into the outbox inside the caller's transaction so the
// event commits or rolls back with the state change that produced it.
func Enqueue(ctx context.Context, tx pgx.Tx, env contracts.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (event_id, event_type, payload)
		VALUES ($1, $2, $3)`,
		env.EventID, env.Type, body,
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

type PgOutbox struct {
	pool *pgxpool.Pool
}

func NewPgOutbox(pool *pgxpool.Pool) *PgOutbox {
	return &PgOutbox{pool: pool}
}

func (o *PgOutbox) Claim(ctx context.Context, limit int, lease time.Duration) ([]OutboxRecord, error) {
	tx, err := o.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_id, event_type, payload, attempts
		FROM outbox
		WHERE (status = 'pending' AND next_retry <= NOW())
		   OR (status = 'processing' AND next_retry <= NOW())
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}

	var items []OutboxRecord
	for rows.Next() {
		var r OutboxRecord
		if err := rows.Scan(&r.ID, &r.EventID, &r.EventType, &r.Payload, &r.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	releaseAt := time.Now().Add(lease)
	for _, r := range items {
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET status = 'processing', next_retry = $2, updated_at = NOW()
			WHERE id = $1`, r.ID, releaseAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

func (o *PgOutbox) MarkSent(ctx context.Context, id int64) error {
	_, err := o.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'sent', updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

func (o *PgOutbox) MarkFailed(ctx context.Context, id int64, nextRetry time.Time) error {
	_, err := o.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'pending',
		    attempts = attempts + 1,
		    next_retry = $2,
		    updated_at = NOW()
		WHERE id = $1`, id, nextRetry)
	if err != nil {
		return fmt.Errorf("update retry: %w", err)
	}
	return nil
}
