package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"gozon/fulfillment/pkg/contracts"
)

type MemoryStore struct {
	mu     sync.RWMutex
	m      map[string]*Payment
	events []contracts.Envelope
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]*Payment)}
}

func (s *MemoryStore) FindOrCreate(_ context.Context, p *Payment) (*Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[p.Reference]; ok {
		return cur.clone(), false, nil
	}
	s.m[p.Reference] = p.clone()
	return p.clone(), true, nil
}

func (s *MemoryStore) Get(_ context.Context, reference string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.m[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

func (s *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Payment
	for _, p := range s.m {
		if p.OrderID == orderID {
			out = append(out, *p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Settle(_ context.Context, reference string, from Status, out Outcome) (*Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[reference]
	if !ok {
		return nil, false, ErrNotFound
	}
	if p.Status != from {
		return p.clone(), false, nil
	}
	next := p.clone()
	applyOutcome(next, out)
	if emitsFailure(next.Status) {
		env, err := failedEvent(next)
		if err != nil {
			return nil, false, err
		}
		s.events = append(s.events, env)
	}
	s.m[reference] = next
	return next.clone(), true, nil
}

func (s *MemoryStore) MarkWebhookVerified(_ context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[reference]
	if !ok {
		return ErrNotFound
	}
	p.WebhookVerified = true
	return nil
}

func (s *MemoryStore) AddRefund(_ context.Context, reference string, r Refund) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[reference]
	if !ok {
		return nil, ErrNotFound
	}
	record, err := checkRefund(p, r)
	if err != nil {
		return nil, err
	}
	if record {
		applyRefund(p, r)
	}
	return p.clone(), nil
}

func (s *MemoryStore) AddDispute(_ context.Context, reference string, d Dispute) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[reference]
	if !ok {
		return nil, ErrNotFound
	}
	if !p.hasDispute(d.GatewayRef) {
		p.Disputes = append(p.Disputes, d)
		p.UpdatedAt = d.CreatedAt
	}
	return p.clone(), nil
}

func (s *MemoryStore) ListStalePending(_ context.Context, before time.Time, limit int) ([]Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Payment
	for _, p := range s.m {
		if p.Status == StatusPending && p.CreatedAt.Before(before) {
			out = append(out, *p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListUnprojected returns every successful payment; the memory store does
// not see orders.
func (s *MemoryStore) ListUnprojected(_ context.Context, limit int) ([]Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Payment
	for _, p := range s.m {
		if p.Status == StatusSuccess {
			out = append(out, *p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Events returns what would have been written to the outbox.
func (s *MemoryStore) Events() []contracts.Envelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Envelope, len(s.events))
	copy(out, s.events)
	return out
}
