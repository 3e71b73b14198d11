package worker

import (
	"context"
	"time"

	"github.com/cassiomorais/coursepay/internal/domain/outbox"
	"github.com/cassiomorais/coursepay/internal/service"
	"github.com/rs/zerolog"
)

type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, sessionID, eventType string, data map[string]any) error
}

// OutboxRelay moves pending outbox entries to the session event stream.
type OutboxRelay struct {
	tx        service.TransactionManager
	outbox    outbox.Repository
	publisher EventPublisher
	batchSize int
	logger    zerolog.Logger
}

func NewOutboxRelay(tx service.TransactionManager, repo outbox.Repository, publisher EventPublisher, batchSize int, logger zerolog.Logger) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &OutboxRelay{tx: tx, outbox: repo, publisher: publisher, batchSize: batchSize, logger: logger}
}

func (r *OutboxRelay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := r.RelayOnce(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Outbox relay error")
		}
	}
}

// RelayOnce publishes one batch and returns how many entries were published.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	published := 0
	err := r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		entries, err := r.outbox.GetPending(txCtx, r.batchSize)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := r.publisher.PublishSessionEvent(ctx, entry.AggregateID, entry.EventType, entry.Payload); err != nil {
				ev := r.logger.Warn()
				if entry.Exhausted() {
					ev = r.logger.Error().Bool("parked", true)
				}
				ev.Err(err).Str("outbox_id", entry.ID.String()).Str("event_type", entry.EventType).
					Int("retry_count", entry.RetryCount+1).Msg("Failed to publish outbox event")
				if err := r.outbox.MarkFailed(txCtx, entry.ID); err != nil {
					return err
				}
				continue
			}
			if err := r.outbox.MarkPublished(txCtx, entry.ID); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}
