package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// WebhookStream carries verified provider webhook events to the worker.
	WebhookStream = "checkout:webhooks"
	// EventStream receives session lifecycle events relayed from the outbox.
	EventStream = "checkout:events"
	DLQStream   = "checkout:dlq"
)

// WebhookMessage is the stream form of a provider webhook that needs a confirmation.
type WebhookMessage struct {
	EventID   string
	Provider  string
	EventType string
	SessionID string
	Reference string
}

func (m WebhookMessage) values() map[string]any {
	return map[string]any{
		"event_id":   m.EventID,
		"provider":   m.Provider,
		"event_type": m.EventType,
		"session_id": m.SessionID,
		"reference":  m.Reference,
		"timestamp":  time.Now().Unix(),
	}
}

// ParseWebhookMessage reads a message written by PublishWebhook.
func ParseWebhookMessage(msg redis.XMessage) (WebhookMessage, error) {
	str := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	m := WebhookMessage{
		EventID:   str("event_id"),
		Provider:  str("provider"),
		EventType: str("event_type"),
		SessionID: str("session_id"),
		Reference: str("reference"),
	}
	if m.SessionID == "" && m.Reference == "" {
		return m, fmt.Errorf("message %s has neither session_id nor reference", msg.ID)
	}
	return m, nil
}

type StreamProducer struct {
	client redis.Cmdable
}

func NewStreamProducer(client redis.Cmdable) *StreamProducer {
	return &StreamProducer{client: client}
}

func (p *StreamProducer) PublishWebhook(ctx context.Context, m WebhookMessage) error {
	_, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: WebhookStream,
		Values: m.values(),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish webhook event %s: %w", m.EventID, err)
	}
	return nil
}

// PublishSessionEvent appends one relayed outbox entry to the events stream.
func (p *StreamProducer) PublishSessionEvent(ctx context.Context, sessionID, eventType string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: EventStream,
		Values: map[string]any{
			"session_id": sessionID,
			"event_type": eventType,
			"payload":    string(payload),
			"timestamp":  time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish session event: %w", err)
	}
	return nil
}

func (p *StreamProducer) PublishToDLQ(ctx context.Context, messageID, reason string, originalData map[string]any) error {
	payload, err := json.Marshal(originalData)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ data: %w", err)
	}

	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQStream,
		Values: map[string]any{
			"message_id": messageID,
			"reason":     reason,
			"payload":    string(payload),
			"timestamp":  time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}
	return nil
}

type StreamConsumer struct {
	client        redis.Cmdable
	stream        string
	group         string
	consumer      string
	batchSize     int64
	blockDuration time.Duration
}

func NewStreamConsumer(
	client redis.Cmdable,
	stream string,
	group string,
	consumer string,
	batchSize int64,
	blockDuration time.Duration,
) *StreamConsumer {
	return &StreamConsumer{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		batchSize:     batchSize,
		blockDuration: blockDuration,
	}
}

func (c *StreamConsumer) Stream() string { return c.stream }

func (c *StreamConsumer) CreateGroup(ctx context.Context) error {
	const busyGroupMsg = "BUSYGROUP"
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupMsg) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Read returns new messages for this consumer, or nil when the block timed out.
func (c *StreamConsumer) Read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockDuration,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (c *StreamConsumer) Ack(ctx context.Context, messageID string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, messageID).Err(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// ClaimStale takes over messages left pending longer than minIdle, such as
// webhooks whose confirmation was already in flight when first delivered.
func (c *StreamConsumer) ClaimStale(ctx context.Context, minIdle time.Duration) ([]redis.XMessage, error) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}
	return msgs, nil
}

// DeliveryCount reports how many times messageID has been delivered.
func (c *StreamConsumer) DeliveryCount(ctx context.Context, messageID string) (int64, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending entry: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	return pending[0].RetryCount, nil
}
