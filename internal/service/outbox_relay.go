package service

import (
	"context"
	"time"

	"github.com/richardliu001/order-sync-service/internal/repo"
	"go.uber.org/zap"
)

// OutboxRelay forwards sync lifecycle events from the outbox table to Kafka.
type OutboxRelay struct {
	repo      repo.RepositoryInterface
	log       *zap.SugaredLogger
	batchSize int
}

func NewOutboxRelay(r repo.RepositoryInterface, batchSize int, logger *zap.SugaredLogger) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{repo: r, log: logger, batchSize: batchSize}
}

// RelayOnce publishes one batch and returns how many events were sent.
// An event that fails to publish stays unprocessed and is retried on the
// next tick; later events of the batch are held back to keep order.
func (o *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	events, err := o.repo.PollOutbox(ctx, o.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if err := o.repo.PublishEvent(ctx, evt); err != nil {
			o.log.Errorf("publish id=%d: %v", evt.ID, err)
			return sent, nil
		}
		if err := o.repo.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			o.log.Errorf("mark processed id=%d: %v", evt.ID, err)
			return sent, nil
		}
		sent++
		o.log.Infow("event sent", "id", evt.ID, "type", evt.EventType)
	}
	return sent, nil
}

// Run relays on every tick until ctx is done.
func (o *OutboxRelay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.RelayOnce(ctx); err != nil {
				o.log.Errorf("poll outbox: %v", err)
			}
		}
	}
}
