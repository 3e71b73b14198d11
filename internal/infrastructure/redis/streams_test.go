package redis

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWebhookMessage(t *testing.T) {
	in := WebhookMessage{
		EventID:   "evt_1",
		Provider:  "stripe",
		EventType: "checkout.session.completed",
		SessionID: "ps_1",
		Reference: "cs_1",
	}
	values := in.values()
	assert.Contains(t, values, "timestamp")

	// go-redis returns stream values as strings.
	strValues := make(map[string]any, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			strValues[k] = s
		}
	}

	got, err := ParseWebhookMessage(redis.XMessage{ID: "1-0", Values: strValues})
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestParseWebhookMessage_ReferenceOnly(t *testing.T) {
	got, err := ParseWebhookMessage(redis.XMessage{ID: "1-0", Values: map[string]any{"reference": "cs_1"}})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", got.Reference)
	assert.Empty(t, got.SessionID)
}

func TestParseWebhookMessage_Unresolvable(t *testing.T) {
	_, err := ParseWebhookMessage(redis.XMessage{ID: "1-0", Values: map[string]any{"event_id": "evt_1"}})
	assert.Error(t, err)
}
