package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/ledger"
	"github.com/cassiomorais/coursepay/internal/domain/outbox"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/internal/platform"
	"github.com/google/uuid"
)

// --- Session Repository Mock ---

// MockSessionRepository is an in-memory session.Repository. It stores copies
// so tests observe only what was persisted, and it enforces the one active
// session per (user, course) rule and optimistic versioning.
type MockSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	events   map[string][]*session.Event

	CreateFunc func(ctx context.Context, s *session.Session) error
	UpdateFunc func(ctx context.Context, s *session.Session) error
}

func NewMockSessionRepository() *MockSessionRepository {
	return &MockSessionRepository{
		sessions: make(map[string]session.Session),
		events:   make(map[string][]*session.Event),
	}
}

func (m *MockSessionRepository) Create(ctx context.Context, s *session.Session) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return domainErrors.ErrCheckoutInProgress
	}
	if !s.IsTerminal() {
		for _, other := range m.sessions {
			if other.UserID == s.UserID && other.CourseID == s.CourseID && !other.IsTerminal() {
				return domainErrors.ErrCheckoutInProgress
			}
		}
	}
	if s.Version == 0 {
		s.Version = 1
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *MockSessionRepository) GetByID(ctx context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domainErrors.ErrSessionNotFound
	}
	return &s, nil
}

func (m *MockSessionRepository) GetByProviderReference(ctx context.Context, provider session.Provider, reference string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Provider == provider && s.ProviderReference == reference {
			cp := s
			return &cp, nil
		}
	}
	return nil, domainErrors.ErrSessionNotFound
}

func (m *MockSessionRepository) FindActive(ctx context.Context, userID, courseID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.CourseID == courseID && !s.IsTerminal() {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

// Update mirrors the SQL statement: the stored amount is never overwritten.
func (m *MockSessionRepository) Update(ctx context.Context, s *session.Session) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sessions[s.ID]
	if !ok {
		return domainErrors.ErrSessionNotFound
	}
	if stored.Version != s.Version {
		return domainErrors.ErrOptimisticLockFailed
	}

	next := *s
	next.Amount = stored.Amount
	next.Version = stored.Version + 1
	m.sessions[s.ID] = next
	s.Version = next.Version
	return nil
}

func (m *MockSessionRepository) ListStale(ctx context.Context, states []session.State, cutoff time.Time, limit int) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*session.Session
	for _, s := range m.sessions {
		if !hasState(states, s.State) || !s.UpdatedAt.Before(cutoff) {
			continue
		}
		cp := s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockSessionRepository) AddEvent(ctx context.Context, event *session.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.SessionID] = append(m.events[event.SessionID], event)
	return nil
}

// Put stores s as-is, bypassing the active-session rule. Used to seed fixtures.
func (m *MockSessionRepository) Put(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Version == 0 {
		s.Version = 1
	}
	m.sessions[s.ID] = *s
}

// Stored returns the persisted copy of a session, or nil.
func (m *MockSessionRepository) Stored(id string) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	return &s
}

// ActiveCount counts non-terminal sessions for the pair.
func (m *MockSessionRepository) ActiveCount(userID, courseID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && s.CourseID == courseID && !s.IsTerminal() {
			n++
		}
	}
	return n
}

func (m *MockSessionRepository) Events(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events[sessionID] {
		out = append(out, e.EventType)
	}
	return out
}

func hasState(states []session.State, st session.State) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}

// --- Transaction Manager Mock ---

// MockTransactionManager is a mock implementation of TransactionManager.
type MockTransactionManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

// --- Outbox Repository Mock ---

// MockOutboxRepository records inserted entries and tracks their status.
type MockOutboxRepository struct {
	mu      sync.Mutex
	Entries []*outbox.Entry

	InsertFunc     func(ctx context.Context, entry *outbox.Entry) error
	GetPendingFunc func(ctx context.Context, limit int) ([]*outbox.Entry, error)
}

func (m *MockOutboxRepository) Insert(ctx context.Context, entry *outbox.Entry) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Entries = append(m.Entries, entry)
	return nil
}

func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	if m.GetPendingFunc != nil {
		return m.GetPendingFunc(ctx, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*outbox.Entry
	for _, e := range m.Entries {
		if e.Status == outbox.StatusPending {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockOutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.Entries {
		if e.ID == id {
			now := time.Now()
			e.Status = outbox.StatusPublished
			e.PublishedAt = &now
		}
	}
	return nil
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.Entries {
		if e.ID == id {
			e.RetryCount++
			if e.RetryCount >= e.MaxRetries {
				e.Status = outbox.StatusFailed
			}
		}
	}
	return nil
}

// EventTypes lists the event types inserted for one aggregate, in order.
func (m *MockOutboxRepository) EventTypes(aggregateID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.Entries {
		if e.AggregateID == aggregateID {
			out = append(out, e.EventType)
		}
	}
	return out
}

// --- Platform Backend Mock ---

// MockBackend is an in-memory platform.Backend. Prices come from Prices;
// confirm and enrollment calls are recorded.
type MockBackend struct {
	mu          sync.Mutex
	Prices      map[string]session.Money
	Titles      map[string]string
	Ledger      map[string][]ledger.Entry
	Confirms    []platform.ConfirmationData
	Enrollments []platform.Enrollment
	ListCalls   int

	CreateSessionFunc      func(ctx context.Context, userID, courseID string, provider session.Provider) (*platform.Quote, error)
	ConfirmSessionFunc     func(ctx context.Context, userID, sessionID string, data platform.ConfirmationData) (*platform.Confirmation, error)
	ActivateEnrollmentFunc func(ctx context.Context, e platform.Enrollment) error
	ListFunc               func(ctx context.Context, userID string) ([]ledger.Entry, error)
}

func NewMockBackend() *MockBackend {
	return &MockBackend{
		Prices: make(map[string]session.Money),
		Titles: make(map[string]string),
		Ledger: make(map[string][]ledger.Entry),
	}
}

// SetPrice changes the quoted price for later sessions only.
func (m *MockBackend) SetPrice(courseID string, price session.Money) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prices[courseID] = price
}

func (m *MockBackend) CreateSession(ctx context.Context, userID, courseID string, provider session.Provider) (*platform.Quote, error) {
	if m.CreateSessionFunc != nil {
		return m.CreateSessionFunc(ctx, userID, courseID, provider)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	price, ok := m.Prices[courseID]
	if !ok {
		return nil, domainErrors.ErrSessionNotFound
	}
	return &platform.Quote{
		SessionID:   "ps_" + uuid.New().String()[:8],
		CourseTitle: m.Titles[courseID],
		Amount:      price,
	}, nil
}

func (m *MockBackend) ConfirmSession(ctx context.Context, userID, sessionID string, data platform.ConfirmationData) (*platform.Confirmation, error) {
	m.mu.Lock()
	m.Confirms = append(m.Confirms, data)
	n := len(m.Confirms)
	m.mu.Unlock()

	if m.ConfirmSessionFunc != nil {
		return m.ConfirmSessionFunc(ctx, userID, sessionID, data)
	}
	state := platform.ConfirmCompleted
	if data.Outcome != "succeeded" {
		state = platform.ConfirmFailed
	}
	return &platform.Confirmation{State: state, LedgerEntryID: fmt.Sprintf("le_%s_%d", sessionID, n)}, nil
}

func (m *MockBackend) ListPaymentSessions(ctx context.Context, userID string) ([]ledger.Entry, error) {
	m.mu.Lock()
	m.ListCalls++
	m.mu.Unlock()

	if m.ListFunc != nil {
		return m.ListFunc(ctx, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Entry(nil), m.Ledger[userID]...), nil
}

func (m *MockBackend) ActivateEnrollment(ctx context.Context, e platform.Enrollment) error {
	if m.ActivateEnrollmentFunc != nil {
		if err := m.ActivateEnrollmentFunc(ctx, e); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Enrollments = append(m.Enrollments, e)
	return nil
}

func (m *MockBackend) EnrollmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Enrollments)
}

func (m *MockBackend) ConfirmCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Confirms)
}
