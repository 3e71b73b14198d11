package worker

import (
	"context"
	"errors"
	"time"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/coursepay/internal/infrastructure/redis"
	"github.com/cassiomorais/coursepay/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultMaxDeliveries = 5
	defaultClaimIdle     = 30 * time.Second
)

// WebhookSource is the consumer side of the webhook stream.
type WebhookSource interface {
	Stream() string
	Read(ctx context.Context) ([]redis.XMessage, error)
	ClaimStale(ctx context.Context, minIdle time.Duration) ([]redis.XMessage, error)
	Ack(ctx context.Context, messageID string) error
	DeliveryCount(ctx context.Context, messageID string) (int64, error)
}

type DeadLetterPublisher interface {
	PublishToDLQ(ctx context.Context, messageID, reason string, originalData map[string]any) error
}

type WebhookConfirmer interface {
	ConfirmWebhook(ctx context.Context, req service.WebhookRequest) (*service.ConfirmResult, error)
}

// WebhookProcessor confirms sessions from queued provider webhooks. Messages
// that hit a transient failure stay pending and are reclaimed later; after
// MaxDeliveries attempts they go to the dead letter stream.
type WebhookProcessor struct {
	source    WebhookSource
	dlq       DeadLetterPublisher
	confirmer WebhookConfirmer
	metrics   *observability.Metrics
	logger    zerolog.Logger

	MaxDeliveries int64
	ClaimIdle     time.Duration
}

func NewWebhookProcessor(source WebhookSource, dlq DeadLetterPublisher, confirmer WebhookConfirmer, metrics *observability.Metrics, logger zerolog.Logger) *WebhookProcessor {
	return &WebhookProcessor{
		source:        source,
		dlq:           dlq,
		confirmer:     confirmer,
		metrics:       metrics,
		logger:        logger.With().Str("stream", source.Stream()).Logger(),
		MaxDeliveries: defaultMaxDeliveries,
		ClaimIdle:     defaultClaimIdle,
	}
}

// Run reads until ctx is done. Idle reads are used to reclaim stale messages.
func (p *WebhookProcessor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := p.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error().Err(err).Msg("Failed to read from stream")
			sleep(ctx, time.Second)
			continue
		}

		if len(msgs) == 0 {
			msgs, err = p.source.ClaimStale(ctx, p.ClaimIdle)
			if err != nil {
				p.logger.Error().Err(err).Msg("Failed to claim stale messages")
				continue
			}
		}

		for _, msg := range msgs {
			p.Handle(ctx, msg)
		}
	}
}

// Handle processes one message and acks it unless it should be redelivered.
func (p *WebhookProcessor) Handle(ctx context.Context, msg redis.XMessage) {
	start := time.Now()

	m, err := infraRedis.ParseWebhookMessage(msg)
	if err != nil {
		p.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Malformed webhook message")
		p.deadLetter(ctx, msg, "malformed")
		p.metrics.WorkerMessage(p.source.Stream(), "malformed", time.Since(start))
		return
	}

	log := observability.WithContext(p.logger, map[string]any{
		"message_id": msg.ID,
		"event_id":   m.EventID,
		"session_id": m.SessionID,
		"reference":  m.Reference,
	})

	res, err := p.confirmer.ConfirmWebhook(ctx, service.WebhookRequest{
		Provider:  session.Provider(m.Provider),
		SessionID: m.SessionID,
		Reference: m.Reference,
	})
	switch {
	case err == nil:
		log.Info().Str("state", string(res.Session.State)).Bool("pending", res.Pending).Msg("Webhook applied")
		p.ack(ctx, msg.ID)
		p.metrics.WorkerMessage(p.source.Stream(), "success", time.Since(start))

	case redeliverable(err):
		count, cerr := p.source.DeliveryCount(ctx, msg.ID)
		if cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to read delivery count")
		}
		if count >= p.MaxDeliveries {
			log.Error().Err(err).Int64("deliveries", count).Msg("Webhook exhausted retries")
			p.deadLetter(ctx, msg, err.Error())
			p.metrics.WorkerMessage(p.source.Stream(), "dead_lettered", time.Since(start))
			return
		}
		log.Warn().Err(err).Int64("deliveries", count).Msg("Webhook left pending for retry")
		p.metrics.WorkerMessage(p.source.Stream(), "retry", time.Since(start))

	default:
		log.Warn().Err(err).Msg("Webhook could not be applied, dropping")
		p.ack(ctx, msg.ID)
		p.metrics.WorkerMessage(p.source.Stream(), "skipped", time.Since(start))
	}
}

func redeliverable(err error) bool {
	return domainErrors.IsRetryable(err) ||
		errors.Is(err, domainErrors.ErrDoubleConfirmationAttempt) ||
		errors.Is(err, domainErrors.ErrProviderUnavailable) ||
		errors.Is(err, domainErrors.ErrOptimisticLockFailed)
}

func (p *WebhookProcessor) deadLetter(ctx context.Context, msg redis.XMessage, reason string) {
	if err := p.dlq.PublishToDLQ(ctx, msg.ID, reason, msg.Values); err != nil {
		// Leave it pending so it is not lost.
		p.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to dead-letter message")
		return
	}
	p.ack(ctx, msg.ID)
}

func (p *WebhookProcessor) ack(ctx context.Context, id string) {
	if err := p.source.Ack(ctx, id); err != nil {
		p.logger.Error().Err(err).Str("message_id", id).Msg("Failed to ack message")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
