package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cassiomorais/coursepay/internal/config"
	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/outbox"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/internal/infrastructure/observability"
	"github.com/cassiomorais/coursepay/internal/platform"
	"github.com/cassiomorais/coursepay/internal/providers"
	"github.com/cassiomorais/coursepay/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

type fixture struct {
	svc        *SessionService
	reconciler *ReconciliationService
	checkout   *CheckoutService
	history    *HistoryService
	sweeper    *Sweeper
	sessions   *testutil.MockSessionRepository
	outbox     *testutil.MockOutboxRepository
	backend    *testutil.MockBackend
	factory    *providers.Factory
	guard      *LocalGuard
	metrics    *observability.Metrics
	stripe     *providers.MockAdapter
	paypal     *providers.MockAdapter
}

func testCheckoutConfig() config.CheckoutConfig {
	return config.CheckoutConfig{
		ConfirmTimeout: time.Second,
		SessionTTL:     30 * time.Minute,
		ConfirmingTTL:  15 * time.Minute,
		LockTTL:        30 * time.Second,
		Guard:          config.GuardLocal,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, testCheckoutConfig(),
		providers.NewMockAdapter(session.ProviderStripe),
		providers.NewMockAdapter(session.ProviderPayPal))
}

func newFixtureWith(t *testing.T, cfg config.CheckoutConfig, stripe, paypal *providers.MockAdapter) *fixture {
	t.Helper()
	f := &fixture{
		sessions: testutil.NewMockSessionRepository(),
		outbox:   &testutil.MockOutboxRepository{},
		backend:  testutil.NewMockBackend(),
		guard:    NewLocalGuard(),
		metrics:  observability.NewMetrics("coursepay_test", prometheus.NewRegistry()),
		stripe:   stripe,
		paypal:   paypal,
	}
	f.backend.SetPrice("C1", testutil.USD(4900))
	f.backend.Titles["C1"] = "Distributed Systems 101"

	txManager := testutil.NewMockTransactionManager()
	logger := zerolog.Nop()

	f.factory = providers.NewFactory(providers.DefaultBreakerSettings(), paypal, stripe)
	f.reconciler = NewReconciliationService(f.sessions, f.outbox, txManager, f.backend, f.metrics, logger)
	f.svc = NewSessionService(f.sessions, f.outbox, txManager, f.factory, f.backend, f.reconciler, f.guard, cfg, f.metrics, logger)
	f.checkout = NewCheckoutService(f.svc, f.factory, logger)
	f.history = NewHistoryService(f.backend, logger)
	f.sweeper = NewSweeper(f.sessions, f.svc, f.metrics, logger)
	return f
}

func (f *fixture) start(t *testing.T, provider session.Provider) *session.Session {
	t.Helper()
	s, err := f.svc.Start(context.Background(), StartRequest{UserID: "user-1", CourseID: "C1", Provider: provider})
	require.NoError(t, err)
	return s
}

func (f *fixture) confirm(t *testing.T, sessionID string, signal Signal) *ConfirmResult {
	t.Helper()
	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{SessionID: sessionID, UserID: "user-1", Signal: signal})
	require.NoError(t, err)
	return res
}

// --- Scenarios ---

func TestCheckout_PayPalApproveAndCapture(t *testing.T) {
	f := newFixture(t)

	s := f.start(t, session.ProviderPayPal)
	assert.Equal(t, session.StateAwaitingProvider, s.State)
	assert.Equal(t, "49.00", s.Amount.Value())
	assert.Equal(t, "USD", s.Amount.Currency)
	assert.NotEmpty(t, s.ProviderReference)
	assert.NotEmpty(t, s.CheckoutURL)

	res := f.confirm(t, s.ID, SignalApprove)
	assert.False(t, res.Pending)
	assert.Equal(t, session.StateCompleted, res.Session.State)
	assert.NotNil(t, res.Session.CompletedAt)
	assert.NotEmpty(t, res.Session.LedgerEntryID)

	require.Len(t, f.backend.Enrollments, 1)
	assert.Equal(t, platform.Enrollment{UserID: "user-1", CourseID: "C1", SessionID: s.ID}, f.backend.Enrollments[0])

	stored := f.sessions.Stored(s.ID)
	assert.True(t, stored.EnrollmentActivated())
	assert.Equal(t, []string{
		outbox.EventSessionAwaitingProvider,
		outbox.EventSessionCompleted,
	}, f.outbox.EventTypes(s.ID))
	assert.Equal(t, []string{
		eventCreated,
		outbox.EventSessionAwaitingProvider,
		eventConfirming,
		outbox.EventSessionCompleted,
		eventEnrollmentActivated,
	}, f.sessions.Events(s.ID))
}

func TestCheckout_DeclineThenNewSession(t *testing.T) {
	tests := []struct {
		name    string
		decline func(m *providers.MockAdapter)
	}{
		{"declined outcome", func(m *providers.MockAdapter) { m.SetOutcome(providers.OutcomeDeclined) }},
		{"declined error", func(m *providers.MockAdapter) {
			m.FailConfirm(fmt.Errorf("capture: %w", domainErrors.ErrProviderDeclined))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s := f.start(t, session.ProviderPayPal)

			tt.decline(f.paypal)
			res := f.confirm(t, s.ID, SignalApprove)
			assert.Equal(t, session.StateFailed, res.Session.State)
			assert.Equal(t, session.ReasonProviderDeclined, res.Session.FailureReason)
			assert.Nil(t, res.Session.CompletedAt)
			assert.Zero(t, f.backend.EnrollmentCount())
			assert.Equal(t, 1, f.backend.ConfirmCount(), "backend records the failed ledger entry")

			f.paypal.SetOutcome(providers.OutcomeSucceeded)
			f.paypal.FailConfirm(nil)

			next := f.start(t, session.ProviderPayPal)
			assert.NotEqual(t, s.ID, next.ID)
			assert.NotEqual(t, s.ProviderReference, next.ProviderReference)
			assert.Equal(t, 1, f.sessions.ActiveCount("user-1", "C1"))
		})
	}
}

func TestCheckout_AbandonThenStartAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.start(t, session.ProviderStripe)

	cancelled, err := f.svc.Cancel(ctx, "user-1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateCancelled, cancelled.State)
	assert.Equal(t, session.ReasonUserAbandoned, cancelled.FailureReason)
	assert.Equal(t, []string{s.ProviderReference}, f.stripe.Voided())

	next := f.start(t, session.ProviderStripe)
	assert.NotEqual(t, s.ID, next.ID)
	assert.Equal(t, session.StateAwaitingProvider, next.State)
}

func TestCheckout_AmountMismatchFails(t *testing.T) {
	f := newFixture(t)

	s := f.start(t, session.ProviderPayPal)
	f.paypal.SetReportedAmount(testutil.USD(4500))

	res := f.confirm(t, s.ID, SignalApprove)
	assert.Equal(t, session.StateFailed, res.Session.State)
	assert.Equal(t, session.ReasonValidationMismatch, res.Session.FailureReason)
	assert.Zero(t, f.backend.EnrollmentCount())
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.ValidationMismatches.WithLabelValues("paypal")))

	outcome := f.checkout.Describe(res.Session, nil)
	assert.Equal(t, AffordanceStartOver, outcome.Affordance)
	assert.NotContains(t, outcome.Message, "45")
	assert.NotContains(t, outcome.Message, "49")
}

// --- Start ---

func TestStart_ReusesActiveSession(t *testing.T) {
	f := newFixture(t)

	first := f.start(t, session.ProviderStripe)
	second := f.start(t, session.ProviderStripe)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.stripe.CreateCalls())
	assert.Equal(t, 1, f.sessions.ActiveCount("user-1", "C1"))
}

func TestStart_OtherProviderSupersedes(t *testing.T) {
	f := newFixture(t)

	first := f.start(t, session.ProviderStripe)
	second := f.start(t, session.ProviderPayPal)

	assert.NotEqual(t, first.ID, second.ID)
	old := f.sessions.Stored(first.ID)
	assert.Equal(t, session.StateCancelled, old.State)
	assert.Equal(t, session.ReasonSuperseded, old.FailureReason)
	assert.Equal(t, []string{first.ProviderReference}, f.stripe.Voided())
	assert.Equal(t, 1, f.sessions.ActiveCount("user-1", "C1"))
}

func TestStart_ExpiredSessionIsSuperseded(t *testing.T) {
	f := newFixture(t)

	first := f.start(t, session.ProviderStripe)
	f.sessions.Put(testutil.Age(f.sessions.Stored(first.ID), time.Hour))

	second := f.start(t, session.ProviderStripe)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, session.StateCancelled, f.sessions.Stored(first.ID).State)
}

func TestStart_RejectsWhileConfirming(t *testing.T) {
	f := newFixture(t)
	f.sessions.Put(testutil.NewTestSession("user-1", "C1", session.ProviderStripe, session.StateConfirming, testutil.USD(4900)))

	_, err := f.svc.Start(context.Background(), StartRequest{UserID: "user-1", CourseID: "C1", Provider: session.ProviderPayPal})
	assert.ErrorIs(t, err, domainErrors.ErrCheckoutInProgress)
	assert.Zero(t, f.paypal.CreateCalls())
}

func TestStart_ConcurrentStartRejected(t *testing.T) {
	f := newFixture(t)
	release, err := f.guard.TryAcquire(context.Background(), checkoutKey("user-1", "C1"))
	require.NoError(t, err)
	defer release()

	_, err = f.svc.Start(context.Background(), StartRequest{UserID: "user-1", CourseID: "C1", Provider: session.ProviderStripe})
	assert.ErrorIs(t, err, domainErrors.ErrCheckoutInProgress)
}

func TestStart_UnconfiguredProvider(t *testing.T) {
	f := newFixtureWith(t, testCheckoutConfig(),
		providers.NewMockAdapter(session.ProviderStripe, providers.Unconfigured()),
		providers.NewMockAdapter(session.ProviderPayPal))

	_, err := f.svc.Start(context.Background(), StartRequest{UserID: "user-1", CourseID: "C1", Provider: session.ProviderStripe})
	assert.ErrorIs(t, err, domainErrors.ErrProviderUnavailable)
	assert.Zero(t, f.sessions.ActiveCount("user-1", "C1"))
}

func TestStart_NetworkFailureLeavesSessionRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stripe.FailCreate(fmt.Errorf("dial: %w", domainErrors.ErrNetworkFailure))

	_, err := f.svc.Start(ctx, StartRequest{UserID: "user-1", CourseID: "C1", Provider: session.ProviderStripe})
	require.Error(t, err)
	assert.True(t, domainErrors.IsRetryable(err))

	pending, err := f.sessions.FindActive(ctx, "user-1", "C1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, session.StateCreated, pending.State)

	f.stripe.FailCreate(nil)
	s := f.start(t, session.ProviderStripe)
	assert.Equal(t, pending.ID, s.ID)
	assert.Equal(t, session.StateAwaitingProvider, s.State)
	assert.Equal(t, 2, f.stripe.CreateCalls())
}

func TestStart_RetryAdoptsQuotedIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.CreateSessionFunc = func(ctx context.Context, userID, courseID string, provider session.Provider) (*platform.Quote, error) {
		return &platform.Quote{
			SessionID:         "ps_quoted",
			ProviderReference: "cs_quoted_1",
			CourseTitle:       "Distributed Systems 101",
			Amount:            testutil.USD(4900),
		}, nil
	}
	f.stripe.FailCreate(fmt.Errorf("dial: %w", domainErrors.ErrNetworkFailure))

	_, err := f.svc.Start(ctx, StartRequest{UserID: "user-1", CourseID: "C1", Provider: session.ProviderStripe})
	require.Error(t, err)
	pending := f.sessions.Stored("ps_quoted")
	assert.Equal(t, session.StateCreated, pending.State)
	assert.Equal(t, "cs_quoted_1", pending.QuotedReference)

	f.stripe.FailCreate(nil)
	s := f.start(t, session.ProviderStripe)
	assert.Equal(t, "ps_quoted", s.ID)
	assert.Equal(t, "cs_quoted_1", s.ProviderReference, "retry adopts the intent minted with the quote")
	assert.Equal(t, 2, f.stripe.CreateCalls())
}

func TestStart_IntentFailureCancelsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stripe.FailCreate(fmt.Errorf("bad key: %w", domainErrors.ErrProviderUnavailable))

	_, err := f.svc.Start(ctx, StartRequest{UserID: "user-1", CourseID: "C1", Provider: session.ProviderStripe})
	assert.ErrorIs(t, err, domainErrors.ErrProviderUnavailable)
	assert.Zero(t, f.sessions.ActiveCount("user-1", "C1"))
	assert.Contains(t, f.outbox.EventTypes(findOnly(t, f).ID), outbox.EventSessionCancelled)
	assert.Equal(t, session.ReasonIntentFailed, findOnly(t, f).FailureReason)
}

func TestStart_PersistFailureVoidsIntent(t *testing.T) {
	f := newFixture(t)
	f.sessions.UpdateFunc = func(ctx context.Context, s *session.Session) error {
		return errors.New("connection reset")
	}

	_, err := f.svc.Start(context.Background(), StartRequest{UserID: "user-1", CourseID: "C1", Provider: session.ProviderStripe})
	require.Error(t, err)
	assert.Len(t, f.stripe.Voided(), 1)
}

// findOnly returns the single session the backend quoted in a test.
func findOnly(t *testing.T, f *fixture) *session.Session {
	t.Helper()
	stale, err := f.sessions.ListStale(context.Background(),
		[]session.State{session.StateCreated, session.StateAwaitingProvider, session.StateConfirming,
			session.StateCompleted, session.StateFailed, session.StateCancelled},
		time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	return stale[0]
}

// --- Confirm ---

func TestConfirm_RejectsConcurrentConfirmation(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, session.ProviderStripe)

	release, err := f.guard.TryAcquire(context.Background(), sessionKey(s.ID))
	require.NoError(t, err)

	_, err = f.svc.Confirm(context.Background(), ConfirmRequest{SessionID: s.ID, UserID: "user-1", Signal: SignalRedirectReturn})
	assert.ErrorIs(t, err, domainErrors.ErrDoubleConfirmationAttempt)
	assert.Equal(t, domainErrors.KindDoubleConfirmationAttempt, domainErrors.Classify(err))
	assert.Equal(t, session.StateAwaitingProvider, f.sessions.Stored(s.ID).State)
	assert.Zero(t, f.stripe.ConfirmCalls())

	release()
	res := f.confirm(t, s.ID, SignalRedirectReturn)
	assert.Equal(t, session.StateCompleted, res.Session.State)
}

func TestConfirm_ConcurrentSignalsCaptureOnce(t *testing.T) {
	stripe := providers.NewMockAdapter(session.ProviderStripe, providers.WithLatency(50*time.Millisecond))
	f := newFixtureWith(t, testCheckoutConfig(), stripe, providers.NewMockAdapter(session.ProviderPayPal))
	s := f.start(t, session.ProviderStripe)

	signals := []Signal{SignalRedirectReturn, SignalStatusPoll, SignalWebhook}
	errs := make([]error, len(signals))
	var wg sync.WaitGroup
	for i, sig := range signals {
		wg.Add(1)
		go func(i int, sig Signal) {
			defer wg.Done()
			_, errs[i] = f.svc.Confirm(context.Background(), ConfirmRequest{SessionID: s.ID, Signal: sig})
		}(i, sig)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, domainErrors.ErrDoubleConfirmationAttempt)
		}
	}
	assert.Equal(t, 1, stripe.ConfirmCalls())
	assert.Equal(t, 1, f.backend.ConfirmCount())
	assert.Equal(t, 1, f.backend.EnrollmentCount())
	assert.Equal(t, session.StateCompleted, f.sessions.Stored(s.ID).State)
}

func TestConfirm_TimeoutIsRetryable(t *testing.T) {
	cfg := testCheckoutConfig()
	cfg.ConfirmTimeout = 20 * time.Millisecond
	paypal := providers.NewMockAdapter(session.ProviderPayPal, providers.WithLatency(100*time.Millisecond))
	f := newFixtureWith(t, cfg, providers.NewMockAdapter(session.ProviderStripe), paypal)
	ctx := context.Background()

	s := f.start(t, session.ProviderPayPal)

	res, err := f.svc.Confirm(ctx, ConfirmRequest{SessionID: s.ID, UserID: "user-1", Signal: SignalApprove})
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrNetworkFailure)
	assert.True(t, domainErrors.IsRetryable(err))
	require.NotNil(t, res)
	assert.Equal(t, session.StateAwaitingProvider, f.sessions.Stored(s.ID).State)

	// The guard was released and the same step can run again.
	_, err = f.svc.Confirm(ctx, ConfirmRequest{SessionID: s.ID, UserID: "user-1", Signal: SignalStatusPoll})
	assert.ErrorIs(t, err, domainErrors.ErrNetworkFailure)
	assert.Equal(t, 1, f.sessions.ActiveCount("user-1", "C1"))
	assert.Zero(t, f.backend.ConfirmCount())

	outcome := f.checkout.Describe(res.Session, err)
	assert.Equal(t, AffordanceRetry, outcome.Affordance)
}

func TestConfirm_PendingStaysConfirming(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, session.ProviderStripe)

	f.stripe.SetOutcome(providers.OutcomePending)
	res := f.confirm(t, s.ID, SignalRedirectReturn)
	assert.True(t, res.Pending)
	assert.Equal(t, session.StateConfirming, res.Session.State)
	assert.Zero(t, f.backend.EnrollmentCount())

	f.stripe.SetOutcome(providers.OutcomeSucceeded)
	res = f.confirm(t, s.ID, SignalStatusPoll)
	assert.False(t, res.Pending)
	assert.Equal(t, session.StateCompleted, res.Session.State)
	assert.Equal(t, 1, f.backend.EnrollmentCount())
}

func TestConfirm_UnpaidPollDoesNotBlockRestart(t *testing.T) {
	for _, provider := range []session.Provider{session.ProviderStripe, session.ProviderPayPal} {
		t.Run(string(provider), func(t *testing.T) {
			f := newFixture(t)
			adapter := f.stripe
			signal := SignalStatusPoll
			if provider == session.ProviderPayPal {
				adapter = f.paypal
				signal = SignalApprove
			}
			s := f.start(t, provider)

			adapter.SetAwaitingPayer(true)
			res := f.confirm(t, s.ID, signal)
			assert.True(t, res.Pending)
			assert.Equal(t, session.StateAwaitingProvider, res.Session.State)
			assert.Equal(t, session.StateAwaitingProvider, f.sessions.Stored(s.ID).State)
			assert.Zero(t, adapter.ConfirmCalls(), "nothing to capture before the payer acts")
			assert.NotContains(t, f.sessions.Events(s.ID), eventConfirming)

			again, err := f.svc.Start(context.Background(), StartRequest{UserID: "user-1", CourseID: "C1", Provider: provider})
			require.NoError(t, err)
			assert.Equal(t, s.ID, again.ID)

			adapter.SetAwaitingPayer(false)
			res = f.confirm(t, s.ID, signal)
			assert.Equal(t, session.StateCompleted, res.Session.State)
			assert.Equal(t, 1, adapter.ConfirmCalls())
		})
	}
}

func TestConfirm_LatePaymentAfterTimeoutIsFlagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.start(t, session.ProviderStripe)
	f.stripe.SetOutcome(providers.OutcomePending)
	f.confirm(t, s.ID, SignalRedirectReturn)
	f.sessions.Put(testutil.Age(f.sessions.Stored(s.ID), time.Hour))

	// The hosted page could not be expired, so the payer can still finish it.
	f.stripe.FailVoid(fmt.Errorf("expire: %w", domainErrors.ErrProviderUnavailable))
	n, err := f.sweeper.SweepStuck(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, session.ReasonConfirmationTimeout, f.sessions.Stored(s.ID).FailureReason)

	f.stripe.SetOutcome(providers.OutcomeSucceeded)
	res, err := f.svc.ConfirmWebhook(ctx, WebhookRequest{Provider: session.ProviderStripe, Reference: s.ProviderReference})
	require.NoError(t, err)

	assert.Equal(t, session.StateFailed, res.Session.State, "terminal state is never rewritten")
	assert.Zero(t, f.backend.EnrollmentCount())
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.LatePayments.WithLabelValues("stripe")))
}

func TestConfirm_PriceChangeDoesNotAffectSession(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, session.ProviderPayPal)

	f.backend.SetPrice("C1", testutil.USD(5900))

	res := f.confirm(t, s.ID, SignalApprove)
	assert.Equal(t, session.StateCompleted, res.Session.State)
	assert.Equal(t, testutil.USD(4900), f.sessions.Stored(s.ID).Amount)
	require.Len(t, f.backend.Confirms, 1)
	assert.Equal(t, testutil.USD(4900), f.backend.Confirms[0].Amount)
}

func TestConfirm_ProviderCancelled(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, session.ProviderStripe)
	f.stripe.SetOutcome(providers.OutcomeCancelled)

	res := f.confirm(t, s.ID, SignalRedirectReturn)
	assert.Equal(t, session.StateCancelled, res.Session.State)
	assert.Equal(t, session.ReasonProviderCancelled, res.Session.FailureReason)
}

func TestConfirm_CancelReturn(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, session.ProviderStripe)

	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		SessionID: s.ID, UserID: "user-1", Signal: SignalRedirectReturn, Cancelled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, session.StateCancelled, res.Session.State)
	assert.Equal(t, session.ReasonUserAbandoned, res.Session.FailureReason)
	assert.Zero(t, f.stripe.ConfirmCalls())
}

func TestConfirm_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := testutil.NewTestSession("user-1", "C2", session.ProviderStripe, session.StateCreated, testutil.USD(4900))
	f.sessions.Put(created)
	_, err := f.svc.Confirm(ctx, ConfirmRequest{SessionID: created.ID, UserID: "user-1", Signal: SignalStatusPoll})
	assert.ErrorIs(t, err, domainErrors.ErrInvalidStateTransition)

	s := f.start(t, session.ProviderStripe)
	_, err = f.svc.Confirm(ctx, ConfirmRequest{SessionID: s.ID, UserID: "intruder", Signal: SignalStatusPoll})
	assert.ErrorIs(t, err, domainErrors.ErrForbidden)

	_, err = f.svc.Confirm(ctx, ConfirmRequest{SessionID: s.ID, UserID: "user-1", Signal: SignalApprove})
	var ve *domainErrors.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = f.svc.Confirm(ctx, ConfirmRequest{SessionID: "ps_missing", Signal: SignalWebhook})
	assert.ErrorIs(t, err, domainErrors.ErrSessionNotFound)

	assert.Equal(t, session.StateAwaitingProvider, f.sessions.Stored(s.ID).State)
}

func TestConfirm_TerminalSessionIsUnchanged(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, session.ProviderPayPal)
	f.confirm(t, s.ID, SignalApprove)

	res := f.confirm(t, s.ID, SignalStatusPoll)
	assert.Equal(t, session.StateCompleted, res.Session.State)
	assert.Equal(t, 1, f.paypal.ConfirmCalls())
	assert.Equal(t, 1, f.backend.ConfirmCount())
	assert.Equal(t, 1, f.backend.EnrollmentCount())
}

func TestConfirm_BackendFailures(t *testing.T) {
	t.Run("capture rejected", func(t *testing.T) {
		f := newFixture(t)
		f.backend.ConfirmSessionFunc = func(ctx context.Context, userID, sessionID string, data platform.ConfirmationData) (*platform.Confirmation, error) {
			return &platform.Confirmation{State: platform.ConfirmFailed}, nil
		}
		s := f.start(t, session.ProviderPayPal)

		res := f.confirm(t, s.ID, SignalApprove)
		assert.Equal(t, session.StateFailed, res.Session.State)
		assert.Equal(t, session.ReasonCaptureRejected, res.Session.FailureReason)
		assert.Zero(t, f.backend.EnrollmentCount())
	})

	t.Run("backend unreachable", func(t *testing.T) {
		f := newFixture(t)
		f.backend.ConfirmSessionFunc = func(ctx context.Context, userID, sessionID string, data platform.ConfirmationData) (*platform.Confirmation, error) {
			return nil, fmt.Errorf("POST /confirm: %w", domainErrors.ErrNetworkFailure)
		}
		s := f.start(t, session.ProviderPayPal)

		_, err := f.svc.Confirm(context.Background(), ConfirmRequest{SessionID: s.ID, UserID: "user-1", Signal: SignalApprove})
		assert.True(t, domainErrors.IsRetryable(err))
		assert.Equal(t, session.StateConfirming, f.sessions.Stored(s.ID).State)
	})
}

func TestConfirmWebhook_ResolvesByReference(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, session.ProviderStripe)

	res, err := f.svc.ConfirmWebhook(context.Background(), WebhookRequest{
		Provider:  session.ProviderStripe,
		Reference: s.ProviderReference,
	})
	require.NoError(t, err)
	assert.Equal(t, s.ID, res.Session.ID)
	assert.Equal(t, session.StateCompleted, res.Session.State)
}

// --- Cancel ---

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, session.ProviderStripe)

	_, err := f.svc.Cancel(ctx, "intruder", s.ID)
	assert.ErrorIs(t, err, domainErrors.ErrForbidden)

	release, err := f.guard.TryAcquire(ctx, sessionKey(s.ID))
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, "user-1", s.ID)
	assert.ErrorIs(t, err, domainErrors.ErrDoubleConfirmationAttempt)
	release()

	first, err := f.svc.Cancel(ctx, "user-1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateCancelled, first.State)

	again, err := f.svc.Cancel(ctx, "user-1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateCancelled, again.State)
	assert.Len(t, f.stripe.Voided(), 1)
}
