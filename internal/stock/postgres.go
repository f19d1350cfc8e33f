package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresAdjuster struct {
	pool *pgxpool.Pool
}

func NewPostgresAdjuster(pool *pgxpool.Pool) *PostgresAdjuster {
	return &PostgresAdjuster{pool: pool}
}

// Reserve decrements every product with a guarded UPDATE, so the check and
// the decrement are one statement per row. Any failure rolls back the lot.
func (a *PostgresAdjuster) Reserve(ctx context.Context, items []Item) error {
	items, err := normalize(items)
	if err != nil {
		return err
	}

	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, it := range items {
		var left int
		err := tx.QueryRow(ctx, `
			UPDATE products
			SET count_in_stock = count_in_stock - $2, updated_at = NOW()
			WHERE id = $1 AND count_in_stock >= $2
			RETURNING count_in_stock`,
			it.ProductID, it.Quantity,
		).Scan(&left)
		if err == nil {
			continue
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("reserve %s: %w", it.ProductID, err)
		}

		var available int
		err = tx.QueryRow(ctx, `SELECT count_in_stock FROM products WHERE id = $1`, it.ProductID).Scan(&available)
		if errors.Is(err, pgx.ErrNoRows) {
			return &ProductNotFoundError{ProductID: it.ProductID}
		}
		if err != nil {
			return fmt.Errorf("read stock %s: %w", it.ProductID, err)
		}
		return &InsufficientStockError{ProductID: it.ProductID, Requested: it.Quantity, Available: available}
	}

	return tx.Commit(ctx)
}

func (a *PostgresAdjuster) Release(ctx context.Context, items []Item) error {
	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := ReleaseTx(ctx, tx, items); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReleaseTx returns items to stock inside the caller's transaction, so the
// restock commits or rolls back together with whatever else tx carries.
func ReleaseTx(ctx context.Context, tx pgx.Tx, items []Item) error {
	items, err := normalize(items)
	if err != nil {
		return err
	}

	for _, it := range items {
		tag, err := tx.Exec(ctx, `
			UPDATE products
			SET count_in_stock = count_in_stock + $2, updated_at = NOW()
			WHERE id = $1`,
			it.ProductID, it.Quantity,
		)
		if err != nil {
			return fmt.Errorf("release %s: %w", it.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			return &ProductNotFoundError{ProductID: it.ProductID}
		}
	}
	return nil
}
