package outbox

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists outbox entries. Insert is called inside the same
// transaction as the session change it describes; the relay reads and marks
// entries in its own transaction.
type Repository interface {
	Insert(ctx context.Context, entry *Entry) error
	// GetPending locks up to limit pending entries, oldest first.
	GetPending(ctx context.Context, limit int) ([]*Entry, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	// MarkFailed bumps the retry count and parks the entry once it is exhausted.
	MarkFailed(ctx context.Context, id uuid.UUID) error
}
