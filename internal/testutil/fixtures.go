package testutil

import (
	"time"

	"github.com/cassiomorais/coursepay/internal/domain/ledger"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/google/uuid"
)

func USD(cents int64) session.Money {
	return session.NewMoney(cents, "USD")
}

// NewTestSession builds a session in the given state with a provider
// reference when the state requires one.
func NewTestSession(userID, courseID string, provider session.Provider, state session.State, amount session.Money) *session.Session {
	now := time.Now().UTC()
	s := &session.Session{
		ID:        "ps_" + uuid.New().String()[:8],
		UserID:    userID,
		CourseID:  courseID,
		Provider:  provider,
		State:     state,
		Amount:    amount,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if state != session.StateCreated {
		s.ProviderReference = string(provider) + "_ref_" + s.ID
	}
	if state == session.StateCompleted {
		s.CompletedAt = &now
		s.LedgerEntryID = "le_" + s.ID
	}
	return s
}

// Age moves a session's timestamps into the past.
func Age(s *session.Session, d time.Duration) *session.Session {
	s.CreatedAt = s.CreatedAt.Add(-d)
	s.UpdatedAt = s.UpdatedAt.Add(-d)
	return s
}

func NewLedgerEntry(userID, sessionID string, status ledger.Status, amount session.Money) ledger.Entry {
	return ledger.Entry{
		ID:        "le_" + sessionID,
		SessionID: sessionID,
		UserID:    userID,
		CourseID:  "C1",
		Provider:  session.ProviderStripe,
		Amount:    amount,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}
