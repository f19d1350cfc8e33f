package stock

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gozon/fulfillment/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdjuster(map[string]int{"shirt": 10, "cap": 3})
	items := []Item{{ProductID: "shirt", Quantity: 4}, {ProductID: "cap", Quantity: 3}, {ProductID: "shirt", Quantity: 1}}

	require.NoError(t, a.Reserve(ctx, items))
	n, _ := a.Count("shirt")
	assert.Equal(t, 5, n)
	n, _ = a.Count("cap")
	assert.Equal(t, 0, n)

	require.NoError(t, a.Release(ctx, items))
	n, _ = a.Count("shirt")
	assert.Equal(t, 10, n)
	n, _ = a.Count("cap")
	assert.Equal(t, 3, n)
}

func TestReserveIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdjuster(map[string]int{"shirt": 10, "cap": 1})

	err := a.Reserve(ctx, []Item{{ProductID: "shirt", Quantity: 2}, {ProductID: "cap", Quantity: 2}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientStock))

	var ise *InsufficientStockError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, "cap", ise.ProductID)
	assert.Equal(t, 1, ise.Available)

	n, _ := a.Count("shirt")
	assert.Equal(t, 10, n, "shirt must not be decremented when cap fails")
}

func TestReserveUnknownProduct(t *testing.T) {
	a := NewMemoryAdjuster(map[string]int{"shirt": 1})
	err := a.Reserve(context.Background(), []Item{{ProductID: "ghost", Quantity: 1}})
	assert.True(t, errors.Is(err, ErrProductNotFound))
}

func TestReserveRejectsBadQuantity(t *testing.T) {
	a := NewMemoryAdjuster(map[string]int{"shirt": 1})
	err := a.Reserve(context.Background(), []Item{{ProductID: "shirt", Quantity: 0}})
	assert.True(t, apperr.IsValidation(err))
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdjuster(map[string]int{"limited": 5})

	const buyers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := a.Reserve(ctx, []Item{{ProductID: "limited", Quantity: 1}})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			if errors.Is(err, ErrInsufficientStock) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, buyers-5, rejected)
	n, _ := a.Count("limited")
	assert.Equal(t, 0, n)
}
