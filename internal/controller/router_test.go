package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cassiomorais/coursepay/internal/config"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/coursepay/internal/middleware"
	"github.com/cassiomorais/coursepay/internal/providers"
	"github.com/cassiomorais/coursepay/internal/repository/postgres"
	"github.com/cassiomorais/coursepay/internal/service"
	"github.com/cassiomorais/coursepay/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "controller-test-secret-32-bytes!!"

// --- Test Helpers ---

type memoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*postgres.IdempotencyEntry
}

func (s *memoryIdempotencyStore) Get(_ context.Context, key string) (*postgres.IdempotencyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key], nil
}

func (s *memoryIdempotencyStore) Set(_ context.Context, e *postgres.IdempotencyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Key] = e
	return nil
}

type testServer struct {
	router      *chi.Mux
	sessions    *testutil.MockSessionRepository
	backend     *testutil.MockBackend
	guard       *service.LocalGuard
	sessionSvc  *service.SessionService
	stripe      *providers.MockAdapter
	paypal      *providers.MockAdapter
	idempotency *memoryIdempotencyStore
}

type serverOption func(*RouterDeps)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	ts := &testServer{
		sessions:    testutil.NewMockSessionRepository(),
		backend:     testutil.NewMockBackend(),
		guard:       service.NewLocalGuard(),
		stripe:      providers.NewMockAdapter(session.ProviderStripe),
		paypal:      providers.NewMockAdapter(session.ProviderPayPal),
		idempotency: &memoryIdempotencyStore{entries: make(map[string]*postgres.IdempotencyEntry)},
	}
	ts.backend.SetPrice("C1", testutil.USD(4900))

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("coursepay_test", reg)
	logger := zerolog.Nop()
	outboxRepo := &testutil.MockOutboxRepository{}
	txManager := testutil.NewMockTransactionManager()
	factory := providers.NewFactory(providers.DefaultBreakerSettings(), ts.stripe, ts.paypal)
	cfg := config.CheckoutConfig{
		ConfirmTimeout: time.Second,
		SessionTTL:     30 * time.Minute,
		ConfirmingTTL:  15 * time.Minute,
	}

	reconciler := service.NewReconciliationService(ts.sessions, outboxRepo, txManager, ts.backend, metrics, logger)
	ts.sessionSvc = service.NewSessionService(ts.sessions, outboxRepo, txManager, factory, ts.backend, reconciler, ts.guard, cfg, metrics, logger)

	deps := RouterDeps{
		CheckoutService:  service.NewCheckoutService(ts.sessionSvc, factory, logger),
		SessionService:   ts.sessionSvc,
		HistoryService:   service.NewHistoryService(ts.backend, logger),
		IdempotencyStore: ts.idempotency,
		IdempotencyTTL:   time.Hour,
		Metrics:          metrics,
		MetricsHandler:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		CORSConfig:       config.CORSConfig{AllowedOrigins: []string{"*"}},
		JWTSecret:        testJWTSecret,
		Logger:           logger,
	}
	for _, o := range opts {
		o(&deps)
	}
	ts.router = NewRouter(deps)
	return ts
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, customMW.Claims{
		UserID:           userID,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	s, err := tok.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + s
}

// do sends a request as userID; an empty userID sends no token.
func (ts *testServer) do(t *testing.T, method, path, userID string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", bearer(t, userID))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) startSession(t *testing.T, provider string) SessionResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/checkout/sessions", "user-1",
		StartCheckoutRequest{CourseID: "C1", Provider: provider})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[SessionResponse](t, rec)
}
