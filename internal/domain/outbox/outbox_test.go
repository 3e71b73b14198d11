package outbox

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewEntry(t *testing.T) {
	payload := map[string]any{"session_id": "ps_123", "amount": "49.00", "currency": "USD"}

	e := NewEntry(AggregateSession, "ps_123", EventSessionCompleted, payload)

	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Equal(t, AggregateSession, e.AggregateType)
	assert.Equal(t, "ps_123", e.AggregateID)
	assert.Equal(t, EventSessionCompleted, e.EventType)
	assert.Equal(t, payload, e.Payload)
	assert.Equal(t, StatusPending, e.Status)
	assert.Zero(t, e.RetryCount)
	assert.Equal(t, DefaultMaxRetries, e.MaxRetries)
	assert.Nil(t, e.PublishedAt)
	assert.NotEqual(t, NewEntry(AggregateSession, "ps_123", EventSessionCompleted, nil).ID, e.ID)
}

func TestPublished(t *testing.T) {
	for _, ev := range []string{EventSessionAwaitingProvider, EventSessionCompleted, EventSessionFailed, EventSessionCancelled} {
		assert.True(t, Published(ev), ev)
	}
	assert.False(t, Published("session.confirming"))
	assert.False(t, Published("enrollment.activated"))
}

func TestEntry_Exhausted(t *testing.T) {
	e := NewEntry(AggregateSession, "ps_1", EventSessionFailed, nil)
	assert.False(t, e.Exhausted())

	e.RetryCount = DefaultMaxRetries - 1
	assert.True(t, e.Exhausted())
}
