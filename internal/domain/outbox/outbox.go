package outbox

import (
	"time"

	"github.com/google/uuid"
)

// AggregateSession is the only aggregate the checkout flow publishes.
const AggregateSession = "checkout_session"

// Session lifecycle events published to the rest of the platform.
const (
	EventSessionAwaitingProvider = "session.awaiting_provider"
	EventSessionCompleted        = "session.completed"
	EventSessionFailed           = "session.failed"
	EventSessionCancelled        = "session.cancelled"
)

// DefaultMaxRetries bounds publish attempts before an entry is parked as failed.
const DefaultMaxRetries = 5

// Published reports whether eventType leaves the service through the outbox.
// Internal audit events such as confirming stay in the session history only.
func Published(eventType string) bool {
	switch eventType {
	case EventSessionAwaitingProvider, EventSessionCompleted, EventSessionFailed, EventSessionCancelled:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Entry is one event waiting to be relayed.
type Entry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       map[string]any
	Status        Status
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

func NewEntry(aggregateType, aggregateID, eventType string, payload map[string]any) *Entry {
	return &Entry{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		Status:        StatusPending,
		MaxRetries:    DefaultMaxRetries,
		CreatedAt:     time.Now().UTC(),
	}
}

// Exhausted reports whether another failed publish would park the entry.
func (e *Entry) Exhausted() bool {
	return e.RetryCount+1 >= e.MaxRetries
}
