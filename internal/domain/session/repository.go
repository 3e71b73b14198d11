package session

import (
	"context"
	"time"
)

// Repository defines the interface for session persistence
type Repository interface {
	// Create inserts a new session. A second active session for the same
	// (user, course) fails with ErrCheckoutInProgress.
	Create(ctx context.Context, s *Session) error

	// GetByID retrieves a session by ID
	GetByID(ctx context.Context, id string) (*Session, error)

	// GetByProviderReference resolves a provider handle back to its session
	GetByProviderReference(ctx context.Context, provider Provider, reference string) (*Session, error)

	// FindActive returns the non-terminal session for the pair, or nil
	FindActive(ctx context.Context, userID, courseID string) (*Session, error)

	// Update persists state changes guarded by Version. Amount is never written.
	Update(ctx context.Context, s *Session) error

	// ListStale returns sessions in the given states last updated before cutoff
	ListStale(ctx context.Context, states []State, cutoff time.Time, limit int) ([]*Session, error)

	// AddEvent adds a session event for audit trail
	AddEvent(ctx context.Context, event *Event) error
}
