package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/google/uuid"
)

// MockAdapter is a scriptable in-memory provider for tests and local runs.
// By default intents succeed for the amount they were created with.
type MockAdapter struct {
	name       session.Provider
	kind       Kind
	configured bool
	latency    time.Duration

	mu           sync.Mutex
	intents      map[string]session.Money
	outcome       OutcomeStatus
	awaitingPayer bool
	reported      *session.Money
	createErr     error
	confirmErr    error
	voidErr       error
	createCalls   int
	confirmCalls  int
	statusCalls   int
	voided        []string
}

type MockAdapterOption func(*MockAdapter)

func WithKind(k Kind) MockAdapterOption {
	return func(m *MockAdapter) { m.kind = k }
}

func WithLatency(d time.Duration) MockAdapterOption {
	return func(m *MockAdapter) { m.latency = d }
}

// Unconfigured makes the adapter report missing credentials.
func Unconfigured() MockAdapterOption {
	return func(m *MockAdapter) { m.configured = false }
}

func NewMockAdapter(name session.Provider, opts ...MockAdapterOption) *MockAdapter {
	m := &MockAdapter{
		name:       name,
		kind:       KindRedirect,
		configured: true,
		intents:    make(map[string]session.Money),
		outcome:    OutcomeSucceeded,
	}
	if name == session.ProviderPayPal {
		m.kind = KindOrderCapture
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *MockAdapter) Name() session.Provider { return m.name }
func (m *MockAdapter) Kind() Kind             { return m.kind }
func (m *MockAdapter) Configured() bool       { return m.configured }

// SetOutcome scripts the status returned by Confirm.
func (m *MockAdapter) SetOutcome(status OutcomeStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome = status
}

// SetAwaitingPayer makes Status and Confirm report that the user has not
// paid or approved yet, regardless of the scripted outcome.
func (m *MockAdapter) SetAwaitingPayer(awaiting bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaitingPayer = awaiting
}

// SetReportedAmount makes Confirm report an amount different from the intent.
func (m *MockAdapter) SetReportedAmount(amount session.Money) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reported = &amount
}

func (m *MockAdapter) FailCreate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

func (m *MockAdapter) FailConfirm(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmErr = err
}

// FailVoid makes Void fail and leaves the intent payable.
func (m *MockAdapter) FailVoid(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voidErr = err
}

func (m *MockAdapter) CreateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls
}

func (m *MockAdapter) ConfirmCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmCalls
}

func (m *MockAdapter) StatusCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCalls
}

func (m *MockAdapter) Voided() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.voided...)
}

func (m *MockAdapter) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return nil, m.createErr
	}

	ref := req.Reference
	if ref == "" {
		ref = fmt.Sprintf("%s_%s", m.name, uuid.New().String()[:8])
	}
	m.intents[ref] = req.Amount

	return &Intent{
		Reference:   ref,
		CheckoutURL: fmt.Sprintf("https://%s.mock.test/checkout/%s", m.name, ref),
		Amount:      req.Amount,
	}, nil
}

func (m *MockAdapter) Confirm(ctx context.Context, reference string) (*Outcome, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmCalls++
	if m.confirmErr != nil {
		return nil, m.confirmErr
	}
	return m.outcomeFor(reference)
}

// Status reports the scripted outcome without counting as a confirmation.
func (m *MockAdapter) Status(ctx context.Context, reference string) (*Outcome, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	return m.outcomeFor(reference)
}

// outcomeFor builds the scripted outcome. The caller holds m.mu.
func (m *MockAdapter) outcomeFor(reference string) (*Outcome, error) {
	amount, ok := m.intents[reference]
	if !ok {
		return nil, fmt.Errorf("unknown %s reference %s: %w", m.name, reference, domainErrors.ErrInvalidInput)
	}
	if m.awaitingPayer {
		return &Outcome{Status: OutcomePending, Reference: reference, Amount: amount, ProviderStatus: "awaiting_payer", AwaitingPayer: true}, nil
	}
	if m.reported != nil {
		amount = *m.reported
	}

	return &Outcome{
		Status:         m.outcome,
		Reference:      reference,
		TransactionID:  fmt.Sprintf("%s_txn_%s", m.name, reference),
		Amount:         amount,
		ProviderStatus: string(m.outcome),
	}, nil
}

func (m *MockAdapter) Void(ctx context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.voidErr != nil {
		return m.voidErr
	}
	m.voided = append(m.voided, reference)
	delete(m.intents, reference)
	return nil
}

// wait simulates provider latency; a deadline shorter than the latency is a network failure.
func (m *MockAdapter) wait(ctx context.Context) error {
	if m.latency <= 0 {
		return nil
	}
	select {
	case <-time.After(m.latency):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %v: %w", m.name, ctx.Err(), domainErrors.ErrNetworkFailure)
	}
}
