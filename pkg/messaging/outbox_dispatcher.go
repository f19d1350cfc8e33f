package messaging

import (
	"context"
	"log/slog"
	"time"
)

const claimLease = 30 * time.Second

type OutboxDispatcher struct {
	store     OutboxStore
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewOutboxDispatcher(store OutboxStore, publisher Publisher, interval time.Duration, batch int, logger *slog.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: batch,
		logger:    logger,
	}
}

func (d *OutboxDispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *OutboxDispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.Dispatch(ctx); err != nil {
			d.logger.Error("outbox dispatch failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Dispatch publishes one batch and reports how many rows were sent.
// Publish failures are rescheduled, not returned.
func (d *OutboxDispatcher) Dispatch(ctx context.Context) (int, error) {
	records, err := d.store.Claim(ctx, d.batchSize, claimLease)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, r := range records {
		if err := d.publishOne(ctx, r); err != nil {
			d.logger.Warn("publish event failed", "event_id", r.EventID, "event_type", r.EventType, "attempts", r.Attempts+1, "err", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (d *OutboxDispatcher) publishOne(ctx context.Context, r OutboxRecord) error {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := d.publisher.Publish(pubCtx, Message{ID: r.EventID, RoutingKey: r.EventType, Body: r.Payload})
	if err != nil {
		if markErr := d.store.MarkFailed(ctx, r.ID, time.Now().Add(retryDelay(r.Attempts+1))); markErr != nil {
			d.logger.Error("reschedule outbox row", "id", r.ID, "err", markErr)
		}
		return err
	}
	return d.store.MarkSent(ctx, r.ID)
}

func retryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 5 {
		attempts = 5
	}
	delay := time.Duration(1<<attempts) * time.Second
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
