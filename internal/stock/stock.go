package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gozon/fulfillment/internal/apperr"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrProductNotFound   = errors.New("product not found")
)

// InsufficientStockError names the product that failed the check.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// ProductNotFoundError names the missing product.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string { return "product not found: " + e.ProductID }

func (e *ProductNotFoundError) Is(target error) bool { return target == ErrProductNotFound }

type Item struct {
	ProductID string
	Quantity  int
}

// Adjuster reserves stock at checkout and returns it when an order is
// cancelled. Reserve is all-or-nothing.
type Adjuster interface {
	Reserve(ctx context.Context, items []Item) error
	Release(ctx context.Context, items []Item) error
}

// normalize merges duplicate lines and orders them by product id so
// concurrent reservations lock rows in the same order.
func normalize(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, apperr.Validation("no items to reserve")
	}
	qty := make(map[string]int, len(items))
	for _, it := range items {
		if it.ProductID == "" {
			return nil, apperr.Validation("product id required")
		}
		if it.Quantity <= 0 {
			return nil, apperr.Validation("quantity must be positive")
		}
		qty[it.ProductID] += it.Quantity
	}
	out := make([]Item, 0, len(qty))
	for id, q := range qty {
		out = append(out, Item{ProductID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}
