package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `id, user_id, course_id, provider, quoted_reference, provider_reference, checkout_url, state,
	amount::text, currency, failure_reason, ledger_entry_id, enrollment_activated_at,
	version, created_at, updated_at, completed_at`

// activeSessionIndex is the partial unique index over (user_id, course_id)
// for non-terminal sessions.
const activeSessionIndex = "checkout_sessions_active_pair_idx"

// SessionRepository implements session.Repository using PostgreSQL.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (r *SessionRepository) Create(ctx context.Context, s *session.Session) error {
	if s.Version == 0 {
		s.Version = 1
	}

	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO checkout_sessions
		 (id, user_id, course_id, provider, quoted_reference, provider_reference, checkout_url, state,
		  amount, currency, failure_reason, ledger_entry_id, enrollment_activated_at,
		  version, created_at, updated_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		s.ID, s.UserID, s.CourseID, string(s.Provider), s.QuotedReference, s.ProviderReference, s.CheckoutURL, string(s.State),
		moneyToNumeric(s.Amount), s.Amount.Currency, s.FailureReason, s.LedgerEntryID, s.EnrollmentActivatedAt,
		s.Version, s.CreatedAt, s.UpdatedAt, s.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == activeSessionIndex {
				return fmt.Errorf("session for user %s course %s: %w", s.UserID, s.CourseID, domainErrors.ErrCheckoutInProgress)
			}
			return fmt.Errorf("session %s already exists: %w", s.ID, domainErrors.ErrCheckoutInProgress)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*session.Session, error) {
	return r.scanSession(r.db(ctx).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = $1`, id))
}

func (r *SessionRepository) GetByProviderReference(ctx context.Context, provider session.Provider, reference string) (*session.Session, error) {
	return r.scanSession(r.db(ctx).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions
		 WHERE provider = $1 AND provider_reference = $2
		 ORDER BY created_at DESC LIMIT 1`, string(provider), reference))
}

// FindActive returns nil, nil when the pair has no active session.
func (r *SessionRepository) FindActive(ctx context.Context, userID, courseID string) (*session.Session, error) {
	s, err := r.scanSession(r.db(ctx).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions
		 WHERE user_id = $1 AND course_id = $2 AND state = ANY($3)
		 LIMIT 1`, userID, courseID, stateStrings(session.ActiveStates)))
	if errors.Is(err, domainErrors.ErrSessionNotFound) {
		return nil, nil
	}
	return s, err
}

// Update writes mutable fields when the stored version still matches.
// The captured amount is not part of the statement.
func (r *SessionRepository) Update(ctx context.Context, s *session.Session) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE checkout_sessions SET
		  provider_reference=$1, checkout_url=$2, state=$3, failure_reason=$4,
		  ledger_entry_id=$5, enrollment_activated_at=$6, updated_at=$7, completed_at=$8,
		  version = version + 1
		 WHERE id=$9 AND version=$10`,
		s.ProviderReference, s.CheckoutURL, string(s.State), s.FailureReason,
		s.LedgerEntryID, s.EnrollmentActivatedAt, s.UpdatedAt, s.CompletedAt,
		s.ID, s.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM checkout_sessions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if !exists {
			return domainErrors.ErrSessionNotFound
		}
		return fmt.Errorf("session %s version %d: %w", s.ID, s.Version, domainErrors.ErrOptimisticLockFailed)
	}
	s.Version++
	return nil
}

func (r *SessionRepository) ListStale(ctx context.Context, states []session.State, cutoff time.Time, limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions
		 WHERE state = ANY($1) AND updated_at < $2
		 ORDER BY updated_at ASC
		 LIMIT $3`, stateStrings(states), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *SessionRepository) AddEvent(ctx context.Context, event *session.Event) error {
	data, err := json.Marshal(event.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO session_events (id, session_id, event_type, event_data, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.SessionID, event.EventType, data, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

func (r *SessionRepository) scanSession(row scanner) (*session.Session, error) {
	var (
		s         session.Session
		provider  string
		state     string
		amountStr string
		currency  string
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.CourseID, &provider, &s.QuotedReference, &s.ProviderReference, &s.CheckoutURL, &state,
		&amountStr, &currency, &s.FailureReason, &s.LedgerEntryID, &s.EnrollmentActivatedAt,
		&s.Version, &s.CreatedAt, &s.UpdatedAt, &s.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrSessionNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	amount, err := numericToMoney(amountStr, currency)
	if err != nil {
		return nil, fmt.Errorf("session %s amount: %w", s.ID, err)
	}
	s.Provider = session.Provider(provider)
	s.State = session.State(state)
	s.Amount = amount
	return &s, nil
}

func stateStrings(states []session.State) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}
