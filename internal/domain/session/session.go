package session

import (
	"time"

	"github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/google/uuid"
)

// State represents the session state in the checkout state machine
type State string

const (
	StateCreated          State = "created"
	StateAwaitingProvider State = "awaiting_provider"
	StateConfirming       State = "confirming"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// ActiveStates are the non-terminal states.
var ActiveStates = []State{StateCreated, StateAwaitingProvider, StateConfirming}

// Provider represents the external payment provider
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	return p == ProviderStripe || p == ProviderPayPal
}

// Reasons recorded on failed and cancelled sessions.
const (
	ReasonProviderDeclined    = "provider_declined"
	ReasonValidationMismatch  = "validation_mismatch"
	ReasonCaptureRejected     = "capture_rejected"
	ReasonConfirmationTimeout = "confirmation_timeout"
	ReasonUserAbandoned       = "user_abandoned"
	ReasonProviderCancelled   = "provider_cancelled"
	ReasonSuperseded          = "superseded"
	ReasonIntentFailed        = "intent_failed"
	ReasonExpired             = "expired"
)

var transitions = map[State][]State{
	StateCreated:          {StateAwaitingProvider, StateCancelled},
	StateAwaitingProvider: {StateConfirming, StateCancelled},
	StateConfirming:       {StateCompleted, StateFailed, StateCancelled},
	StateCompleted:        {},
	StateFailed:           {},
	StateCancelled:        {},
}

// Session is one attempt to pay for one course by one user.
// Amount is captured at creation and is never rewritten by repositories.
type Session struct {
	ID                    string
	UserID                string
	CourseID              string
	Provider              Provider
	QuotedReference       string // intent the backend minted with the quote, if any
	ProviderReference     string
	CheckoutURL           string
	State                 State
	Amount                Money
	FailureReason         string
	LedgerEntryID         string
	EnrollmentActivatedAt *time.Time
	Version               int
	CreatedAt             time.Time
	UpdatedAt             time.Time
	CompletedAt           *time.Time
}

// New creates a session in the created state. The id is issued by the platform backend.
func New(id, userID, courseID string, provider Provider, amount Money) (*Session, error) {
	if id == "" {
		return nil, errors.NewValidationError("session_id", "cannot be empty")
	}
	if userID == "" {
		return nil, errors.NewValidationError("user_id", "cannot be empty")
	}
	if courseID == "" {
		return nil, errors.NewValidationError("course_id", "cannot be empty")
	}
	if !provider.Valid() {
		return nil, errors.NewValidationError("provider", "must be stripe or paypal")
	}
	if err := amount.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Session{
		ID:        id,
		UserID:    userID,
		CourseID:  courseID,
		Provider:  provider,
		State:     StateCreated,
		Amount:    amount,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CanTransitionTo checks if the session can move to the given state
func (s *Session) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s.State] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionTo moves the session to a new state
func (s *Session) TransitionTo(next State) error {
	if !s.CanTransitionTo(next) {
		return errors.NewDomainError(
			"invalid_transition",
			"cannot transition from "+string(s.State)+" to "+string(next),
			errors.ErrInvalidStateTransition,
		)
	}

	now := time.Now().UTC()
	s.State = next
	s.UpdatedAt = now
	if next == StateCompleted {
		s.CompletedAt = &now
	}
	return nil
}

// AttachIntent records the provider handle and moves to awaiting_provider.
func (s *Session) AttachIntent(reference, checkoutURL string) error {
	if reference == "" {
		return errors.NewValidationError("provider_reference", "cannot be empty")
	}
	if err := s.TransitionTo(StateAwaitingProvider); err != nil {
		return err
	}
	s.ProviderReference = reference
	s.CheckoutURL = checkoutURL
	return nil
}

// MarkConfirming is called when a provider confirmation signal arrives.
func (s *Session) MarkConfirming() error {
	if s.ProviderReference == "" {
		return errors.NewDomainError("missing_reference", "session has no provider reference", errors.ErrInvalidStateTransition)
	}
	return s.TransitionTo(StateConfirming)
}

// MarkCompleted records the backend ledger entry for a settled session.
func (s *Session) MarkCompleted(ledgerEntryID string) error {
	if err := s.TransitionTo(StateCompleted); err != nil {
		return err
	}
	s.LedgerEntryID = ledgerEntryID
	return nil
}

// MarkFailed transitions the session to failed
func (s *Session) MarkFailed(reason string) error {
	if err := s.TransitionTo(StateFailed); err != nil {
		return err
	}
	s.FailureReason = reason
	return nil
}

// MarkCancelled transitions the session to cancelled
func (s *Session) MarkCancelled(reason string) error {
	if err := s.TransitionTo(StateCancelled); err != nil {
		return err
	}
	s.FailureReason = reason
	return nil
}

// MarkEnrollmentActivated records that the enrollment collaborator accepted activation.
func (s *Session) MarkEnrollmentActivated(at time.Time) {
	at = at.UTC()
	s.EnrollmentActivatedAt = &at
	s.UpdatedAt = at
}

// EnrollmentActivated reports whether activation already happened.
func (s *Session) EnrollmentActivated() bool {
	return s.EnrollmentActivatedAt != nil
}

// IsTerminal checks if the session is in a terminal state
func (s *Session) IsTerminal() bool {
	return s.State == StateCompleted ||
		s.State == StateFailed ||
		s.State == StateCancelled
}

// Event is an audit record of a session lifecycle change.
type Event struct {
	ID        uuid.UUID
	SessionID string
	EventType string
	EventData map[string]any
	CreatedAt time.Time
}

// NewEvent stamps a new audit event for s.
func NewEvent(s *Session, eventType string, data map[string]any) *Event {
	if data == nil {
		data = make(map[string]any)
	}
	data["state"] = string(s.State)
	return &Event{
		ID:        uuid.New(),
		SessionID: s.ID,
		EventType: eventType,
		EventData: data,
		CreatedAt: time.Now().UTC(),
	}
}
