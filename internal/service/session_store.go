package service

import (
	"context"

	"github.com/cassiomorais/coursepay/internal/domain/outbox"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/internal/infrastructure/observability"
)

// Audit event names recorded for every transition.
const (
	eventCreated             = "session.created"
	eventConfirming          = "session.confirming"
	eventEnrollmentActivated = "session.enrollment_activated"
)

// sessionStore persists session changes together with their audit event and,
// for transitions other processes care about, an outbox entry.
type sessionStore struct {
	sessions session.Repository
	outbox   outbox.Repository
	tx       TransactionManager
	metrics  *observability.Metrics
}

func (st *sessionStore) create(ctx context.Context, s *session.Session) error {
	err := st.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := st.sessions.Create(txCtx, s); err != nil {
			return err
		}
		return st.sessions.AddEvent(txCtx, session.NewEvent(s, eventCreated, map[string]any{
			"amount":   s.Amount.Value(),
			"currency": s.Amount.Currency,
		}))
	})
	if err == nil {
		st.metrics.SessionTransition(string(s.Provider), string(s.State))
	}
	return err
}

// save writes s and records eventType for it.
func (st *sessionStore) save(ctx context.Context, s *session.Session, eventType string, data map[string]any) error {
	err := st.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := st.sessions.Update(txCtx, s); err != nil {
			return err
		}
		if err := st.sessions.AddEvent(txCtx, session.NewEvent(s, eventType, copyData(data))); err != nil {
			return err
		}
		if !outbox.Published(eventType) {
			return nil
		}
		return st.outbox.Insert(txCtx, outbox.NewEntry(outbox.AggregateSession, s.ID, eventType, sessionPayload(s, data)))
	})
	if err == nil && eventType != eventEnrollmentActivated {
		st.metrics.SessionTransition(string(s.Provider), string(s.State))
	}
	return err
}

func sessionPayload(s *session.Session, extra map[string]any) map[string]any {
	p := map[string]any{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"course_id":  s.CourseID,
		"provider":   string(s.Provider),
		"state":      string(s.State),
		"amount":     s.Amount.Value(),
		"currency":   s.Amount.Currency,
	}
	if s.FailureReason != "" {
		p["reason"] = s.FailureReason
	}
	if s.LedgerEntryID != "" {
		p["ledger_entry_id"] = s.LedgerEntryID
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
