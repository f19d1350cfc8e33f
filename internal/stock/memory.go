package stock

import (
	"context"
	"sync"
)

type MemoryAdjuster struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryAdjuster(initial map[string]int) *MemoryAdjuster {
	counts := make(map[string]int, len(initial))
	for id, n := range initial {
		counts[id] = n
	}
	return &MemoryAdjuster{counts: counts}
}

func (a *MemoryAdjuster) Reserve(_ context.Context, items []Item) error {
	items, err := normalize(items)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, it := range items {
		have, ok := a.counts[it.ProductID]
		if !ok {
			return &ProductNotFoundError{ProductID: it.ProductID}
		}
		if have < it.Quantity {
			return &InsufficientStockError{ProductID: it.ProductID, Requested: it.Quantity, Available: have}
		}
	}
	for _, it := range items {
		a.counts[it.ProductID] -= it.Quantity
	}
	return nil
}

func (a *MemoryAdjuster) Release(_ context.Context, items []Item) error {
	items, err := normalize(items)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, it := range items {
		if _, ok := a.counts[it.ProductID]; !ok {
			return &ProductNotFoundError{ProductID: it.ProductID}
		}
	}
	for _, it := range items {
		a.counts[it.ProductID] += it.Quantity
	}
	return nil
}

func (a *MemoryAdjuster) Count(productID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.counts[productID]
	return n, ok
}
