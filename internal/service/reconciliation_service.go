package service

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/outbox"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/internal/infrastructure/observability"
	"github.com/cassiomorais/coursepay/internal/platform"
	"github.com/cassiomorais/coursepay/internal/providers"
	"github.com/rs/zerolog"
)

// ReconciliationService settles a provider outcome against the platform ledger
// and activates the enrollment exactly once. Callers hold the session guard.
type ReconciliationService struct {
	store   *sessionStore
	backend platform.Backend
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewReconciliationService(
	sessions session.Repository,
	outboxRepo outbox.Repository,
	txManager TransactionManager,
	backend platform.Backend,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		store:   &sessionStore{sessions: sessions, outbox: outboxRepo, tx: txManager, metrics: metrics},
		backend: backend,
		metrics: metrics,
		logger:  logger,
	}
}

// Reconcile applies outcome to the latest stored state of the session. It is
// safe to repeat: a terminal session only gets a missing enrollment activation.
func (r *ReconciliationService) Reconcile(ctx context.Context, sessionID string, outcome providers.Outcome) (*session.Session, error) {
	s, err := r.store.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	log := r.logger.With().
		Str("session_id", s.ID).
		Str("user_id", s.UserID).
		Str("provider", string(s.Provider)).
		Str("outcome", string(outcome.Status)).
		Logger()

	if s.IsTerminal() {
		r.metrics.Reconciliation("noop")
		if s.State == session.StateCompleted && !s.EnrollmentActivated() {
			return s, r.activateEnrollment(ctx, s)
		}
		return s, nil
	}
	if s.State != session.StateConfirming {
		return s, domainErrors.NewDomainError("not_confirming",
			fmt.Sprintf("session %s is %s", s.ID, s.State), domainErrors.ErrInvalidStateTransition)
	}
	if outcome.Reference != "" && outcome.Reference != s.ProviderReference {
		return s, domainErrors.NewDomainError("reference_mismatch",
			"outcome is for another provider reference", domainErrors.ErrValidationMismatch)
	}

	switch outcome.Status {
	case providers.OutcomeCancelled:
		if err := s.MarkCancelled(session.ReasonProviderCancelled); err != nil {
			return s, err
		}
		if err := r.store.save(ctx, s, outbox.EventSessionCancelled, nil); err != nil {
			return nil, err
		}
		r.metrics.Reconciliation("cancelled")
		log.Info().Msg("Provider cancelled the payment")
		return s, nil

	case providers.OutcomeDeclined:
		return r.fail(ctx, s, session.ReasonProviderDeclined, outcome, log)

	case providers.OutcomeSucceeded:
		if !outcome.Amount.Equal(s.Amount) {
			log.Warn().
				Str("expected", s.Amount.String()).
				Str("reported", outcome.Amount.String()).
				Msg("Provider amount does not match session")
			r.metrics.ValidationMismatch(string(s.Provider))
			return r.fail(ctx, s, session.ReasonValidationMismatch, outcome, log)
		}
		return r.settle(ctx, s, outcome, log)

	default:
		return s, fmt.Errorf("outcome %q is not final: %w", outcome.Status, domainErrors.ErrConfirmationPending)
	}
}

// settle asks the backend to record the payment and completes the session.
func (r *ReconciliationService) settle(ctx context.Context, s *session.Session, outcome providers.Outcome, log zerolog.Logger) (*session.Session, error) {
	conf, err := r.backend.ConfirmSession(ctx, s.UserID, s.ID, confirmationData(s, outcome, "succeeded"))
	if err != nil {
		r.metrics.Reconciliation("error")
		log.Error().Err(err).Msg("Backend confirmation failed, session stays confirming")
		return s, err
	}

	if conf.State == platform.ConfirmFailed {
		if err := s.MarkFailed(session.ReasonCaptureRejected); err != nil {
			return s, err
		}
		if err := r.store.save(ctx, s, outbox.EventSessionFailed, nil); err != nil {
			return nil, err
		}
		r.metrics.Reconciliation("rejected")
		log.Warn().Msg("Backend rejected the capture")
		return s, nil
	}

	if err := s.MarkCompleted(conf.LedgerEntryID); err != nil {
		return s, err
	}
	if err := r.store.save(ctx, s, outbox.EventSessionCompleted, map[string]any{
		"transaction_id": outcome.TransactionID,
	}); err != nil {
		return nil, err
	}
	r.metrics.Reconciliation("completed")
	log.Info().Str("ledger_entry_id", s.LedgerEntryID).Msg("Session completed")

	if err := r.activateEnrollment(ctx, s); err != nil {
		// The session is paid; activation is retried on the next reconcile.
		log.Error().Err(err).Msg("Enrollment activation failed")
	}
	return s, nil
}

func (r *ReconciliationService) fail(ctx context.Context, s *session.Session, reason string, outcome providers.Outcome, log zerolog.Logger) (*session.Session, error) {
	if err := s.MarkFailed(reason); err != nil {
		return s, err
	}
	if err := r.store.save(ctx, s, outbox.EventSessionFailed, nil); err != nil {
		return nil, err
	}
	r.metrics.Reconciliation(reason)

	// The failed ledger entry is best effort; the outbox event carries the same facts.
	if _, err := r.backend.ConfirmSession(ctx, s.UserID, s.ID, confirmationData(s, outcome, reason)); err != nil {
		log.Warn().Err(err).Str("reason", reason).Msg("Failed to notify backend of failed session")
	}
	return s, nil
}

// activateEnrollment issues the single enrollment call and records it.
func (r *ReconciliationService) activateEnrollment(ctx context.Context, s *session.Session) error {
	err := r.backend.ActivateEnrollment(ctx, platform.Enrollment{
		UserID:    s.UserID,
		CourseID:  s.CourseID,
		SessionID: s.ID,
	})
	if err != nil {
		r.metrics.EnrollmentActivation("failed")
		return fmt.Errorf("activate enrollment: %w", err)
	}

	s.MarkEnrollmentActivated(time.Now())
	if err := r.store.save(ctx, s, eventEnrollmentActivated, nil); err != nil {
		return fmt.Errorf("record enrollment activation: %w", err)
	}
	r.metrics.EnrollmentActivation("activated")
	return nil
}

func confirmationData(s *session.Session, o providers.Outcome, result string) platform.ConfirmationData {
	amount := o.Amount
	if amount.Currency == "" {
		amount = s.Amount
	}
	return platform.ConfirmationData{
		Provider:          s.Provider,
		ProviderReference: s.ProviderReference,
		TransactionID:     o.TransactionID,
		Outcome:           result,
		Amount:            amount,
	}
}
