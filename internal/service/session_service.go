package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/coursepay/internal/config"
	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/outbox"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/internal/infrastructure/observability"
	"github.com/cassiomorais/coursepay/internal/platform"
	"github.com/cassiomorais/coursepay/internal/providers"
	"github.com/cassiomorais/coursepay/pkg/saga"
	"github.com/rs/zerolog"
)

// SessionService owns the payment session lifecycle: start, confirm and cancel.
type SessionService struct {
	store      *sessionStore
	providers  *providers.Factory
	backend    platform.Backend
	reconciler *ReconciliationService
	guard      Guard
	authz      *AuthzService
	cfg        config.CheckoutConfig
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewSessionService(
	sessions session.Repository,
	outboxRepo outbox.Repository,
	txManager TransactionManager,
	providerFactory *providers.Factory,
	backend platform.Backend,
	reconciler *ReconciliationService,
	guard Guard,
	cfg config.CheckoutConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *SessionService {
	return &SessionService{
		store:      &sessionStore{sessions: sessions, outbox: outboxRepo, tx: txManager, metrics: metrics},
		providers:  providerFactory,
		backend:    backend,
		reconciler: reconciler,
		guard:      guard,
		authz:      NewAuthzService(),
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
	}
}

// Start creates a session for (user, course) and its provider intent, or
// resumes the active one when it can be reused.
func (s *SessionService) Start(ctx context.Context, req StartRequest) (*session.Session, error) {
	if req.UserID == "" || req.CourseID == "" {
		return nil, domainErrors.NewValidationError("course_id", "cannot be empty")
	}
	adapter, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	release, err := s.guard.TryAcquire(ctx, checkoutKey(req.UserID, req.CourseID))
	if err != nil {
		if errors.Is(err, domainErrors.ErrLockAcquisitionFailed) {
			return nil, domainErrors.NewDomainError("checkout_in_progress",
				"a checkout for this course is already starting", domainErrors.ErrCheckoutInProgress)
		}
		return nil, err
	}
	defer release()

	log := s.logger.With().
		Str("user_id", req.UserID).
		Str("course_id", req.CourseID).
		Str("provider", string(req.Provider)).
		Logger()

	existing, err := s.store.sessions.FindActive(ctx, req.UserID, req.CourseID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		switch {
		case existing.State == session.StateConfirming:
			return nil, domainErrors.NewDomainError("checkout_in_progress",
				"a payment for this course is being confirmed", domainErrors.ErrCheckoutInProgress)

		case existing.Provider == req.Provider && time.Since(existing.CreatedAt) < s.cfg.SessionTTL:
			if existing.State == session.StateAwaitingProvider {
				log.Debug().Str("session_id", existing.ID).Msg("Reusing active session")
				return existing, nil
			}
			log.Info().Str("session_id", existing.ID).Msg("Retrying intent for created session")
			return s.openIntent(ctx, existing, adapter, intentPlan{
				reference: existing.QuotedReference,
				persisted: true,
			})

		default:
			if err := s.supersede(ctx, existing); err != nil {
				return nil, err
			}
		}
	}

	quote, err := s.backend.CreateSession(ctx, req.UserID, req.CourseID, req.Provider)
	if err != nil {
		return nil, err
	}

	sess, err := session.New(quote.SessionID, req.UserID, req.CourseID, req.Provider, quote.Amount)
	if err != nil {
		return nil, err
	}
	sess.QuotedReference = quote.ProviderReference
	log.Info().Str("session_id", sess.ID).Str("amount", sess.Amount.String()).Msg("Starting checkout")

	return s.openIntent(ctx, sess, adapter, intentPlan{
		reference:   quote.ProviderReference,
		description: quote.CourseTitle,
	})
}

type intentPlan struct {
	reference   string
	description string
	persisted   bool
}

// openIntent persists sess (unless it already is), creates the provider
// intent and moves the session to awaiting_provider. A retryable intent
// failure leaves the session created; any other failure cancels it.
func (s *SessionService) openIntent(ctx context.Context, sess *session.Session, adapter providers.Adapter, plan intentPlan) (*session.Session, error) {
	var (
		intent    *providers.Intent
		intentErr error
	)

	sg := saga.New("start_checkout")
	sg.AddStep(saga.Step{
		Name: "persist_session",
		Execute: func(ctx context.Context) error {
			if plan.persisted {
				return nil
			}
			return s.store.create(ctx, sess)
		},
		Compensate: func(ctx context.Context) error {
			if domainErrors.IsRetryable(intentErr) {
				return nil
			}
			if err := sess.MarkCancelled(session.ReasonIntentFailed); err != nil {
				return err
			}
			return s.store.save(ctx, sess, outbox.EventSessionCancelled, nil)
		},
	})
	sg.AddStep(saga.Step{
		Name: "create_intent",
		Execute: func(ctx context.Context) error {
			intent, intentErr = adapter.CreateIntent(ctx, providers.IntentRequest{
				SessionID:   sess.ID,
				UserID:      sess.UserID,
				CourseID:    sess.CourseID,
				Description: plan.description,
				Amount:      sess.Amount,
				Reference:   plan.reference,
			})
			if intentErr != nil {
				s.metrics.ProviderError(string(sess.Provider), string(domainErrors.Classify(intentErr)))
			}
			return intentErr
		},
		Compensate: func(ctx context.Context) error {
			return adapter.Void(ctx, intent.Reference)
		},
	})
	sg.AddStep(saga.Step{
		Name: "attach_intent",
		Execute: func(ctx context.Context) error {
			if err := sess.AttachIntent(intent.Reference, intent.CheckoutURL); err != nil {
				return err
			}
			return s.store.save(ctx, sess, outbox.EventSessionAwaitingProvider, map[string]any{
				"provider_reference": intent.Reference,
			})
		},
	})

	if err := sg.Execute(ctx); err != nil {
		log := s.logger.Warn().Err(err).
			Str("session_id", sess.ID).
			Bool("retryable", domainErrors.IsRetryable(err))
		var stepErr *saga.StepError
		if errors.As(err, &stepErr) {
			log = log.Str("step", stepErr.Step)
		}
		log.Msg("Checkout start failed")
		return nil, err
	}
	return sess, nil
}

// supersede cancels an active session that a new checkout replaces.
func (s *SessionService) supersede(ctx context.Context, old *session.Session) error {
	release, err := s.guard.TryAcquire(ctx, sessionKey(old.ID))
	if err != nil {
		if errors.Is(err, domainErrors.ErrLockAcquisitionFailed) {
			return domainErrors.NewDomainError("checkout_in_progress",
				"the previous checkout is being confirmed", domainErrors.ErrCheckoutInProgress)
		}
		return err
	}
	defer release()

	current, err := s.store.sessions.GetByID(ctx, old.ID)
	if err != nil {
		return err
	}
	if current.IsTerminal() {
		return nil
	}
	if current.State == session.StateConfirming {
		return domainErrors.NewDomainError("checkout_in_progress",
			"a payment for this course is being confirmed", domainErrors.ErrCheckoutInProgress)
	}
	return s.cancelLocked(ctx, current, session.ReasonSuperseded)
}

// Get returns a session the caller owns.
func (s *SessionService) Get(ctx context.Context, userID, sessionID string) (*session.Session, error) {
	sess, err := s.store.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.VerifySessionOwnership(userID, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Confirm handles one provider confirmation signal. Only one confirmation
// runs per session; a concurrent one fails with ErrDoubleConfirmationAttempt
// and changes nothing.
func (s *SessionService) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	release, err := s.acquireSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.Get(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}

	log := s.logger.With().
		Str("session_id", sess.ID).
		Str("provider", string(sess.Provider)).
		Str("signal", string(req.Signal)).
		Logger()

	if sess.IsTerminal() {
		if sess.State == session.StateCompleted && !sess.EnrollmentActivated() {
			sess, err = s.reconciler.Reconcile(ctx, sess.ID, providers.Outcome{Status: providers.OutcomeSucceeded})
			return &ConfirmResult{Session: sess}, err
		}
		if sess.State == session.StateFailed && sess.FailureReason == session.ReasonConfirmationTimeout {
			s.checkLatePayment(ctx, sess)
		}
		return &ConfirmResult{Session: sess}, nil
	}
	if sess.State == session.StateCreated {
		return nil, domainErrors.NewDomainError("no_intent",
			"session has no provider intent yet", domainErrors.ErrInvalidStateTransition)
	}

	adapter, err := s.providers.Get(sess.Provider)
	if err != nil {
		return &ConfirmResult{Session: sess}, err
	}
	if req.Signal == SignalApprove && adapter.Kind() != providers.KindOrderCapture {
		return nil, domainErrors.NewValidationError("signal", "approve is only valid for order/capture providers")
	}

	if req.Cancelled {
		if err := s.cancelLocked(ctx, sess, session.ReasonUserAbandoned); err != nil {
			return nil, err
		}
		log.Info().Msg("User returned through the cancel URL")
		return &ConfirmResult{Session: sess}, nil
	}

	if sess.State == session.StateAwaitingProvider {
		// Enter confirming only once the provider shows the payer has acted.
		status, err := s.callProvider(ctx, sess, adapter.Status)
		if err != nil {
			log.Warn().Err(err).Msg("Provider status check failed, session stays awaiting_provider")
			return &ConfirmResult{Session: sess}, err
		}
		if status.Status == providers.OutcomePending && status.AwaitingPayer {
			log.Debug().Str("provider_status", status.ProviderStatus).Msg("Payer has not acted yet")
			return &ConfirmResult{Session: sess, Pending: true}, nil
		}

		if err := sess.MarkConfirming(); err != nil {
			return nil, err
		}
		if err := s.store.save(ctx, sess, eventConfirming, map[string]any{"signal": string(req.Signal)}); err != nil {
			return nil, err
		}
	}

	outcome, err := s.callProvider(ctx, sess, adapter.Confirm)
	if err != nil {
		if domainErrors.Classify(err) != domainErrors.KindProviderDeclined {
			log.Warn().Err(err).Msg("Provider confirmation failed, session stays confirming")
			return &ConfirmResult{Session: sess}, err
		}
		outcome = &providers.Outcome{Status: providers.OutcomeDeclined, Reference: sess.ProviderReference}
	}

	if outcome.Status == providers.OutcomePending {
		log.Debug().Str("provider_status", outcome.ProviderStatus).Msg("Provider has not settled yet")
		return &ConfirmResult{Session: sess, Pending: true}, nil
	}

	settled, err := s.reconciler.Reconcile(ctx, sess.ID, *outcome)
	if settled == nil {
		settled = sess
	}
	return &ConfirmResult{Session: settled}, err
}

// callProvider runs one adapter call for sess within confirm_timeout.
func (s *SessionService) callProvider(ctx context.Context, sess *session.Session, call func(context.Context, string) (*providers.Outcome, error)) (*providers.Outcome, error) {
	timeout := s.cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := s.metrics.TrackConfirmation()
	defer done()

	start := time.Now()
	outcome, err := call(cctx, sess.ProviderReference)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !domainErrors.IsRetryable(err) {
		err = fmt.Errorf("provider call timed out after %s: %v: %w", timeout, err, domainErrors.ErrNetworkFailure)
	}

	result := "ok"
	if err != nil {
		result = string(domainErrors.Classify(err))
		s.metrics.ProviderError(string(sess.Provider), result)
	} else if outcome != nil {
		result = string(outcome.Status)
	}
	s.metrics.ObserveConfirmation(string(sess.Provider), result, time.Since(start))

	return outcome, err
}

// checkLatePayment asks the provider about a session that timed out in
// confirming. Money taken after the timeout cannot be reconciled automatically
// and needs an operator to refund or enroll by hand.
func (s *SessionService) checkLatePayment(ctx context.Context, sess *session.Session) {
	adapter, err := s.providers.Get(sess.Provider)
	if err != nil {
		return
	}
	outcome, err := s.callProvider(ctx, sess, adapter.Status)
	if err != nil {
		s.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("Late payment check failed")
		return
	}
	if outcome.Status != providers.OutcomeSucceeded {
		return
	}

	s.metrics.LatePayment(string(sess.Provider))
	s.logger.Error().
		Str("session_id", sess.ID).
		Str("user_id", sess.UserID).
		Str("course_id", sess.CourseID).
		Str("provider", string(sess.Provider)).
		Str("provider_reference", sess.ProviderReference).
		Str("transaction_id", outcome.TransactionID).
		Str("amount", outcome.Amount.String()).
		Msg("Provider settled a payment after the session timed out; manual reconciliation required")
}

// ConfirmWebhook resolves a webhook to its session and confirms it.
func (s *SessionService) ConfirmWebhook(ctx context.Context, req WebhookRequest) (*ConfirmResult, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sess, err := s.store.sessions.GetByProviderReference(ctx, req.Provider, req.Reference)
		if err != nil {
			return nil, err
		}
		sessionID = sess.ID
	}
	return s.Confirm(ctx, ConfirmRequest{SessionID: sessionID, Signal: SignalWebhook})
}

// Cancel abandons a session the caller owns. Terminal sessions are returned unchanged.
func (s *SessionService) Cancel(ctx context.Context, userID, sessionID string) (*session.Session, error) {
	release, err := s.acquireSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsTerminal() {
		return sess, nil
	}
	if err := s.cancelLocked(ctx, sess, session.ReasonUserAbandoned); err != nil {
		return nil, err
	}
	return sess, nil
}

// cancelLocked cancels sess and voids its intent. The caller holds the session guard.
func (s *SessionService) cancelLocked(ctx context.Context, sess *session.Session, reason string) error {
	if err := sess.MarkCancelled(reason); err != nil {
		return err
	}
	if err := s.store.save(ctx, sess, outbox.EventSessionCancelled, nil); err != nil {
		return err
	}

	s.logger.Info().
		Str("session_id", sess.ID).
		Str("reason", reason).
		Msg("Session cancelled")

	s.voidIntent(ctx, sess)
	return nil
}

// voidIntent releases the provider intent of a session that will never be
// confirmed. Failures are logged and otherwise ignored.
func (s *SessionService) voidIntent(ctx context.Context, sess *session.Session) {
	if sess.ProviderReference == "" {
		return
	}
	adapter, err := s.providers.Get(sess.Provider)
	if err == nil {
		err = adapter.Void(ctx, sess.ProviderReference)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to void provider intent")
	}
}

// expire fails or cancels a stale session found by the sweeper.
func (s *SessionService) expire(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	release, err := s.acquireSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	defer release()

	sess, err := s.store.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return false, err
	}

	switch sess.State {
	case session.StateCreated, session.StateAwaitingProvider:
		if now.Sub(sess.UpdatedAt) < s.cfg.SessionTTL {
			return false, nil
		}
		return true, s.cancelLocked(ctx, sess, session.ReasonExpired)
	case session.StateConfirming:
		if now.Sub(sess.UpdatedAt) < s.cfg.ConfirmingTTL {
			return false, nil
		}
		if err := sess.MarkFailed(session.ReasonConfirmationTimeout); err != nil {
			return false, err
		}
		if err := s.store.save(ctx, sess, outbox.EventSessionFailed, nil); err != nil {
			return false, err
		}
		s.logger.Warn().Str("session_id", sess.ID).Msg("Confirmation timed out")
		s.voidIntent(ctx, sess)
		return true, nil
	default:
		return false, nil
	}
}

func (s *SessionService) acquireSession(ctx context.Context, sessionID string) (func(), error) {
	release, err := s.guard.TryAcquire(ctx, sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, domainErrors.ErrLockAcquisitionFailed) {
			return nil, domainErrors.NewDomainError("confirmation_in_flight",
				"a confirmation for this session is already running", domainErrors.ErrDoubleConfirmationAttempt)
		}
		return nil, err
	}
	return release, nil
}
