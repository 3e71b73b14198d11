package controller

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/ledger"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/internal/providers"
	"github.com/cassiomorais/coursepay/internal/service"
	"github.com/cassiomorais/coursepay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckoutController_Providers(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/checkout/providers", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[ProvidersResponse](t, rec)
	require.Len(t, resp.Providers, 2)
	assert.Equal(t, session.ProviderStripe, resp.Providers[0].Provider)
	assert.True(t, resp.Providers[0].Default)
	assert.Equal(t, providers.KindOrderCapture, resp.Providers[1].Kind)
}

func TestCheckoutController_RequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/checkout/sessions", "", StartCheckoutRequest{CourseID: "C1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, ts.stripe.CreateCalls())
}

func TestCheckoutController_Start(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.startSession(t, "")
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "C1", resp.CourseID)
	assert.Equal(t, "stripe", resp.Provider)
	assert.Equal(t, "awaiting_provider", resp.State)
	assert.Equal(t, "49.00", resp.Amount)
	assert.Equal(t, "USD", resp.Currency)
	assert.NotEmpty(t, resp.CheckoutURL)
	assert.Equal(t, service.AffordanceContinue, resp.Outcome.Affordance)
}

func TestCheckoutController_StartValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body StartCheckoutRequest
	}{
		{"missing course", StartCheckoutRequest{}},
		{"unknown provider", StartCheckoutRequest{CourseID: "C1", Provider: "venmo"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/checkout/sessions", "user-1", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "validation_error", decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestCheckoutController_StartIsIdempotent(t *testing.T) {
	ts := newTestServer(t)

	first := ts.do(t, http.MethodPost, "/api/v1/checkout/sessions", "user-1",
		StartCheckoutRequest{CourseID: "C1", Provider: "stripe"}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code)

	second := ts.do(t, http.MethodPost, "/api/v1/checkout/sessions", "user-1",
		StartCheckoutRequest{CourseID: "C1", Provider: "paypal"}, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Zero(t, ts.paypal.CreateCalls())
}

func TestCheckoutController_ApproveCompletesAndEnrolls(t *testing.T) {
	ts := newTestServer(t)
	s := ts.startSession(t, "paypal")

	rec := ts.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+s.ID+"/approve", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[SessionResponse](t, rec)
	assert.Equal(t, "completed", resp.State)
	assert.NotNil(t, resp.CompletedAt)
	assert.Empty(t, resp.CheckoutURL)
	assert.Equal(t, service.AffordanceNone, resp.Outcome.Affordance)
	assert.Equal(t, 1, ts.backend.EnrollmentCount())

	get := ts.do(t, http.MethodGet, "/api/v1/checkout/sessions/"+s.ID, "user-1", nil)
	require.Equal(t, http.StatusOK, get.Code)
	assert.Equal(t, "completed", decode[SessionResponse](t, get).State)
}

func TestCheckoutController_AmountMismatchHidesAmounts(t *testing.T) {
	ts := newTestServer(t)
	s := ts.startSession(t, "paypal")
	ts.paypal.SetReportedAmount(testutil.USD(4500))

	rec := ts.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+s.ID+"/approve", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[SessionResponse](t, rec)
	assert.Equal(t, "failed", resp.State)
	assert.Empty(t, resp.FailureReason)
	assert.Equal(t, service.AffordanceStartOver, resp.Outcome.Affordance)
	assert.NotContains(t, rec.Body.String(), "45.00")
	assert.Zero(t, ts.backend.EnrollmentCount())
}

func TestCheckoutController_ReturnCancel(t *testing.T) {
	ts := newTestServer(t)
	s := ts.startSession(t, "stripe")

	rec := ts.do(t, http.MethodGet, "/api/v1/checkout/return?session_id="+s.ID+"&result=cancel", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[SessionResponse](t, rec)
	assert.Equal(t, "cancelled", resp.State)
	assert.Equal(t, service.AffordanceStartOver, resp.Outcome.Affordance)
	assert.Zero(t, ts.stripe.ConfirmCalls())
}

func TestCheckoutController_ReturnValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/checkout/return?session_id=ps_1&result=maybe", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutController_PollPending(t *testing.T) {
	ts := newTestServer(t)
	s := ts.startSession(t, "stripe")
	ts.stripe.SetOutcome(providers.OutcomePending)

	rec := ts.do(t, http.MethodGet, "/api/v1/checkout/return?session_id="+s.ID+"&result=success", "user-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[SessionResponse](t, rec)
	assert.True(t, resp.Pending)
	assert.Equal(t, "confirming", resp.State)
	assert.Equal(t, service.AffordanceWait, resp.Outcome.Affordance)

	ts.stripe.SetOutcome(providers.OutcomeSucceeded)
	rec = ts.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+s.ID+"/poll", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode[SessionResponse](t, rec).State)
}

func TestCheckoutController_DoubleConfirmation(t *testing.T) {
	ts := newTestServer(t)
	s := ts.startSession(t, "paypal")

	release, err := ts.guard.TryAcquire(context.Background(), "session:"+s.ID)
	require.NoError(t, err)
	defer release()

	rec := ts.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+s.ID+"/approve", "user-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "confirmation_in_progress", resp.Code)
	require.NotNil(t, resp.Outcome)
	assert.Equal(t, service.AffordanceWait, resp.Outcome.Affordance)
}

func TestCheckoutController_DeclineOffersAnotherMethod(t *testing.T) {
	ts := newTestServer(t)
	s := ts.startSession(t, "paypal")
	ts.paypal.SetOutcome(providers.OutcomeDeclined)

	rec := ts.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+s.ID+"/approve", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[SessionResponse](t, rec)
	assert.Equal(t, "failed", resp.State)
	assert.Equal(t, service.AffordanceTryAnotherMethod, resp.Outcome.Affordance)
	assert.Equal(t, session.ProviderStripe, resp.Outcome.AlternateProvider)

	next := ts.startSession(t, "paypal")
	assert.NotEqual(t, s.ID, next.ID)
}

func TestCheckoutController_CancelAndOwnership(t *testing.T) {
	ts := newTestServer(t)
	s := ts.startSession(t, "stripe")

	rec := ts.do(t, http.MethodGet, "/api/v1/checkout/sessions/"+s.ID, "user-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+s.ID+"/cancel", "user-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+s.ID+"/cancel", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode[SessionResponse](t, rec).State)

	rec = ts.do(t, http.MethodGet, "/api/v1/checkout/sessions/ps_missing", "user-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckoutController_ProviderUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.stripe.FailCreate(fmt.Errorf("bad key: %w", domainErrors.ErrProviderUnavailable))

	rec := ts.do(t, http.MethodPost, "/api/v1/checkout/sessions", "user-1", StartCheckoutRequest{CourseID: "C1", Provider: "stripe"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	resp := decode[ErrorResponse](t, rec)
	require.NotNil(t, resp.Outcome)
	assert.Equal(t, service.AffordanceTryAnotherMethod, resp.Outcome.Affordance)
	assert.Equal(t, session.ProviderPayPal, resp.Outcome.AlternateProvider)
}

func TestHistoryController_List(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.Ledger["user-1"] = []ledger.Entry{
		testutil.NewLedgerEntry("user-1", "ps_2", ledger.StatusFailed, testutil.USD(4900)),
		testutil.NewLedgerEntry("user-1", "ps_1", ledger.StatusCompleted, testutil.USD(4900)),
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/payments/history?status=completed", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HistoryResponse](t, rec)
	assert.Equal(t, "completed", resp.Filter)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "ps_1", resp.Entries[0].SessionID)
	assert.Equal(t, "49.00", resp.Entries[0].Amount)

	rec = ts.do(t, http.MethodGet, "/api/v1/payments/history", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[HistoryResponse](t, rec).Entries, 2)

	rec = ts.do(t, http.MethodGet, "/api/v1/payments/history?status=pending", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.do(t, http.MethodGet, "/api/v1/checkout/providers", "user-1", nil)
	rec = ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}
