package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/outbox"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/coursepay/internal/infrastructure/redis"
	"github.com/cassiomorais/coursepay/internal/service"
	"github.com/cassiomorais/coursepay/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

type fakeSource struct {
	mu         sync.Mutex
	batches    [][]redis.XMessage
	stale      []redis.XMessage
	acked      []string
	deliveries map[string]int64
}

func (s *fakeSource) Stream() string { return infraRedis.WebhookStream }

func (s *fakeSource) Read(ctx context.Context) ([]redis.XMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *fakeSource) ClaimStale(context.Context, time.Duration) ([]redis.XMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stale
	s.stale = nil
	return out, nil
}

func (s *fakeSource) Ack(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, id)
	return nil
}

func (s *fakeSource) DeliveryCount(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveries[id], nil
}

func (s *fakeSource) Acked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

type fakeDLQ struct {
	mu      sync.Mutex
	reasons map[string]string
}

func (d *fakeDLQ) PublishToDLQ(_ context.Context, id, reason string, _ map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reasons == nil {
		d.reasons = make(map[string]string)
	}
	d.reasons[id] = reason
	return nil
}

type stubConfirmer struct {
	mu    sync.Mutex
	err   error
	calls []service.WebhookRequest
}

func (c *stubConfirmer) ConfirmWebhook(_ context.Context, req service.WebhookRequest) (*service.ConfirmResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if c.err != nil {
		return &service.ConfirmResult{}, c.err
	}
	return &service.ConfirmResult{Session: &session.Session{ID: req.SessionID, State: session.StateCompleted}}, nil
}

func webhookMsg(id, sessionID string) redis.XMessage {
	return redis.XMessage{ID: id, Values: map[string]any{
		"event_id":   "evt_" + id,
		"provider":   "stripe",
		"event_type": "checkout.session.completed",
		"session_id": sessionID,
		"reference":  "cs_" + sessionID,
	}}
}

func newProcessor(src *fakeSource, dlq *fakeDLQ, c *stubConfirmer) (*WebhookProcessor, *observability.Metrics) {
	m := observability.NewMetrics("worker_test", prometheus.NewRegistry())
	return NewWebhookProcessor(src, dlq, c, m, zerolog.Nop()), m
}

// --- Webhook processor ---

func TestWebhookProcessor_ConfirmsAndAcks(t *testing.T) {
	src := &fakeSource{}
	c := &stubConfirmer{}
	p, m := newProcessor(src, &fakeDLQ{}, c)

	p.Handle(context.Background(), webhookMsg("1-0", "ps_1"))

	require.Len(t, c.calls, 1)
	assert.Equal(t, service.WebhookRequest{Provider: session.ProviderStripe, SessionID: "ps_1", Reference: "cs_ps_1"}, c.calls[0])
	assert.Equal(t, []string{"1-0"}, src.Acked())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.WorkerMessagesProcessed.WithLabelValues(infraRedis.WebhookStream, "success")))
}

func TestWebhookProcessor_TransientFailureStaysPending(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"network", fmt.Errorf("dial: %w", domainErrors.ErrNetworkFailure)},
		{"in flight", domainErrors.ErrDoubleConfirmationAttempt},
		{"breaker open", domainErrors.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{deliveries: map[string]int64{"1-0": 1}}
			dlq := &fakeDLQ{}
			p, _ := newProcessor(src, dlq, &stubConfirmer{err: tt.err})

			p.Handle(context.Background(), webhookMsg("1-0", "ps_1"))

			assert.Empty(t, src.Acked())
			assert.Empty(t, dlq.reasons)
		})
	}
}

func TestWebhookProcessor_DeadLettersAfterMaxDeliveries(t *testing.T) {
	src := &fakeSource{deliveries: map[string]int64{"1-0": 5}}
	dlq := &fakeDLQ{}
	p, _ := newProcessor(src, dlq, &stubConfirmer{err: domainErrors.ErrNetworkFailure})

	p.Handle(context.Background(), webhookMsg("1-0", "ps_1"))

	assert.Contains(t, dlq.reasons, "1-0")
	assert.Equal(t, []string{"1-0"}, src.Acked())
}

func TestWebhookProcessor_PermanentFailureIsDropped(t *testing.T) {
	src := &fakeSource{}
	dlq := &fakeDLQ{}
	p, _ := newProcessor(src, dlq, &stubConfirmer{err: domainErrors.ErrSessionNotFound})

	p.Handle(context.Background(), webhookMsg("1-0", "ps_1"))

	assert.Equal(t, []string{"1-0"}, src.Acked())
	assert.Empty(t, dlq.reasons)
}

func TestWebhookProcessor_MalformedGoesToDLQ(t *testing.T) {
	src := &fakeSource{}
	dlq := &fakeDLQ{}
	c := &stubConfirmer{}
	p, _ := newProcessor(src, dlq, c)

	p.Handle(context.Background(), redis.XMessage{ID: "1-0", Values: map[string]any{"event_id": "evt"}})

	assert.Equal(t, "malformed", dlq.reasons["1-0"])
	assert.Equal(t, []string{"1-0"}, src.Acked())
	assert.Empty(t, c.calls)
}

func TestWebhookProcessor_RunReclaimsStaleMessages(t *testing.T) {
	src := &fakeSource{
		batches: [][]redis.XMessage{{webhookMsg("1-0", "ps_1")}},
		stale:   []redis.XMessage{webhookMsg("0-9", "ps_0")},
	}
	p, _ := newProcessor(src, &fakeDLQ{}, &stubConfirmer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(src.Acked()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.ElementsMatch(t, []string{"1-0", "0-9"}, src.Acked())
}

// --- Outbox relay ---

type recordingEvents struct {
	published []string
	failFor   string
}

func (r *recordingEvents) PublishSessionEvent(_ context.Context, sessionID, eventType string, _ map[string]any) error {
	if sessionID == r.failFor {
		return errors.New("stream unavailable")
	}
	r.published = append(r.published, sessionID+":"+eventType)
	return nil
}

func TestOutboxRelay_RelayOnce(t *testing.T) {
	repo := &testutil.MockOutboxRepository{}
	ok := outbox.NewEntry(outbox.AggregateSession, "ps_1", outbox.EventSessionCompleted, map[string]any{"state": "completed"})
	bad := outbox.NewEntry(outbox.AggregateSession, "ps_2", outbox.EventSessionFailed, nil)
	repo.Entries = []*outbox.Entry{ok, bad}

	events := &recordingEvents{failFor: "ps_2"}
	relay := NewOutboxRelay(testutil.NewMockTransactionManager(), repo, events, 10, zerolog.Nop())

	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"ps_1:" + outbox.EventSessionCompleted}, events.published)
	assert.Equal(t, outbox.StatusPublished, ok.Status)
	assert.Equal(t, outbox.StatusPending, bad.Status)
	assert.Equal(t, 1, bad.RetryCount)

	n, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// --- Idempotency cleanup ---

type countingCleaner struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCleaner) Cleanup(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 2, nil
}

func (c *countingCleaner) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestRunIdempotencyCleanup(t *testing.T) {
	cleaner := &countingCleaner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunIdempotencyCleanup(ctx, cleaner, 5*time.Millisecond, zerolog.Nop()) }()

	assert.Eventually(t, func() bool { return cleaner.Calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
