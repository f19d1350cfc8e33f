package order

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gozon/fulfillment/internal/stock"
	"gozon/fulfillment/pkg/contracts"
)

// MemoryStore keeps orders in a map. Cancellations restock through restock
// while the store lock is held, so a failed release leaves the order as it was.
type MemoryStore struct {
	mu      sync.RWMutex
	m       map[string]*Order
	events  []contracts.Envelope
	restock stock.Adjuster
}

func NewMemoryStore(restock stock.Adjuster) *MemoryStore {
	return &MemoryStore{m: make(map[string]*Order), restock: restock}
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[o.ID]; ok {
		return ErrOrderExists
	}
	for _, cur := range s.m {
		if cur.OrderNumber == o.OrderNumber {
			return ErrOrderExists
		}
	}
	s.m[o.ID] = o.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.m[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.clone(), nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Order
	for _, o := range s.m {
		if o.UserID == userID {
			out = append(out, *o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, ch StatusChange) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.m[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != ch.From {
		return nil, ErrStatusChanged
	}
	next := o.clone()
	applyChange(next, ch)
	env, err := statusChangedEvent(next, ch.From)
	if err != nil {
		return nil, err
	}
	if ch.To == StatusCancelled {
		if err := s.restock.Release(ctx, next.StockItems()); err != nil {
			return nil, fmt.Errorf("release stock: %w", err)
		}
	}
	s.m[id] = next
	s.events = append(s.events, env)
	return next.clone(), nil
}

func (s *MemoryStore) MarkPaid(_ context.Context, id string, m PaidMark) (*Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.m[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if o.IsPaid {
		return o.clone(), false, nil
	}
	next := o.clone()
	applyPaid(next, m)
	env, err := paidEvent(next)
	if err != nil {
		return nil, false, err
	}
	s.m[id] = next
	s.events = append(s.events, env)
	return next.clone(), true, nil
}

// Events returns what would have been written to the outbox.
func (s *MemoryStore) Events() []contracts.Envelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Envelope, len(s.events))
	copy(out, s.events)
	return out
}
