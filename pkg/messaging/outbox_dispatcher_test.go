package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutbox struct {
	mu      sync.Mutex
	records []OutboxRecord
	sent    []int64
	failed  map[int64]time.Time
}

func (f *fakeOutbox) Claim(_ context.Context, limit int, _ time.Duration) ([]OutboxRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) < limit {
		limit = len(f.records)
	}
	out := f.records[:limit]
	f.records = f.records[limit:]
	return out, nil
}

func (f *fakeOutbox) MarkSent(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeOutbox) MarkFailed(_ context.Context, id int64, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = map[int64]time.Time{}
	}
	f.failed[id] = next
	return nil
}

type MockPublisher struct {
	PublishFunc func(ctx context.Context, msg Message) error
	Published   []Message
}

func (m *MockPublisher) Publish(ctx context.Context, msg Message) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, msg); err != nil {
			return err
		}
	}
	m.Published = append(m.Published, msg)
	return nil
}

func (m *MockPublisher) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchPublishesAndMarksSent(t *testing.T) {
	store := &fakeOutbox{records: []OutboxRecord{
		{ID: 1, EventID: "e1", EventType: "orders.paid", Payload: []byte(`{}`)},
		{ID: 2, EventID: "e2", EventType: "orders.status_changed", Payload: []byte(`{}`)},
	}}
	pub := &MockPublisher{}
	d := NewOutboxDispatcher(store, pub, time.Second, 10, discardLogger())

	sent, err := d.Dispatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sent)
	assert.Equal(t, []int64{1, 2}, store.sent)
	require.Len(t, pub.Published, 2)
	assert.Equal(t, "orders.paid", pub.Published[0].RoutingKey)
	assert.Equal(t, "e2", pub.Published[1].ID)
}

func TestDispatchReschedulesFailedPublish(t *testing.T) {
	store := &fakeOutbox{records: []OutboxRecord{
		{ID: 7, EventID: "e7", EventType: "payments.failed", Attempts: 2},
	}}
	pub := &MockPublisher{PublishFunc: func(context.Context, Message) error {
		return errors.New("broker down")
	}}
	d := NewOutboxDispatcher(store, pub, time.Second, 10, discardLogger())

	before := time.Now()
	sent, err := d.Dispatch(context.Background())
	require.NoError(t, err)

	assert.Zero(t, sent)
	assert.Empty(t, store.sent)
	next, ok := store.failed[7]
	require.True(t, ok)
	assert.True(t, next.After(before.Add(7*time.Second)), "third attempt waits 8s")
}

func TestRetryDelayIsCapped(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(0))
	assert.Equal(t, 2*time.Second, retryDelay(1))
	assert.Equal(t, 32*time.Second, retryDelay(5))
	assert.Equal(t, 32*time.Second, retryDelay(50))
}
