package service

import (
	"context"
	"errors"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/internal/providers"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// Affordance is the next action the UI offers after an outcome.
type Affordance string

const (
	AffordanceNone             Affordance = "none"
	AffordanceContinue         Affordance = "continue"
	AffordanceRetry            Affordance = "retry"
	AffordanceTryAnotherMethod Affordance = "try_another_method"
	AffordanceStartOver        Affordance = "start_over"
	AffordanceWait             Affordance = "wait"
)

// UserOutcome is what the UI shows. It never carries amounts or provider detail.
type UserOutcome struct {
	Affordance        Affordance       `json:"affordance"`
	Message           string           `json:"message"`
	AlternateProvider session.Provider `json:"alternate_provider,omitempty"`
}

// ProviderOption is a configured provider offered at checkout.
type ProviderOption struct {
	Provider session.Provider `json:"provider"`
	Kind     providers.Kind   `json:"kind"`
	Default  bool             `json:"default"`
	// Degraded is set while the provider's circuit breaker is not closed.
	Degraded bool `json:"degraded"`
}

// CheckoutView is a session together with its user-facing outcome.
type CheckoutView struct {
	Session *session.Session
	Outcome UserOutcome
	Pending bool
}

// CheckoutService selects providers, drives sessions for the UI and maps
// every result to a UserOutcome.
type CheckoutService struct {
	sessions  *SessionService
	providers *providers.Factory
	logger    zerolog.Logger
}

func NewCheckoutService(sessions *SessionService, providerFactory *providers.Factory, logger zerolog.Logger) *CheckoutService {
	return &CheckoutService{sessions: sessions, providers: providerFactory, logger: logger}
}

// Providers lists the configured providers, default first.
func (c *CheckoutService) Providers() []ProviderOption {
	available := c.providers.Available()
	out := make([]ProviderOption, 0, len(available))
	for i, name := range available {
		a, err := c.providers.Get(name)
		if err != nil {
			continue
		}
		out = append(out, ProviderOption{
			Provider: name,
			Kind:     a.Kind(),
			Default:  i == 0,
			Degraded: c.providers.BreakerState(name) != gobreaker.StateClosed,
		})
	}
	return out
}

// StartCheckout starts or resumes a checkout. An empty provider picks the default.
func (c *CheckoutService) StartCheckout(ctx context.Context, userID, courseID string, provider session.Provider) (*CheckoutView, error) {
	if provider == "" {
		p, err := c.providers.Default()
		if err != nil {
			return nil, err
		}
		provider = p
	}

	s, err := c.sessions.Start(ctx, StartRequest{UserID: userID, CourseID: courseID, Provider: provider})
	if err != nil {
		return nil, err
	}
	return c.view(s, false), nil
}

func (c *CheckoutService) GetSessionState(ctx context.Context, userID, sessionID string) (*CheckoutView, error) {
	s, err := c.sessions.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return c.view(s, false), nil
}

func (c *CheckoutService) CancelCheckout(ctx context.Context, userID, sessionID string) (*CheckoutView, error) {
	s, err := c.sessions.Cancel(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return c.view(s, false), nil
}

// Confirm forwards a confirmation signal from the UI.
func (c *CheckoutService) Confirm(ctx context.Context, req ConfirmRequest) (*CheckoutView, error) {
	res, err := c.sessions.Confirm(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.view(res.Session, res.Pending), nil
}

func (c *CheckoutService) view(s *session.Session, pending bool) *CheckoutView {
	return &CheckoutView{
		Session: s,
		Outcome: c.Describe(s, nil),
		Pending: pending,
	}
}

const (
	msgNetwork     = "We could not reach the payment provider. Please try again."
	msgDeclined    = "Your payment was declined. Try another payment method."
	msgUnavailable = "This payment method is unavailable."
	msgGeneric     = "We could not complete your payment."
	msgInFlight    = "Your payment is already being confirmed."
	msgCompleted   = "Payment complete. You are enrolled."
	msgCancelled   = "Checkout cancelled."
	msgConfirming  = "Payment received, confirming with the platform."
	msgContinue    = "Continue to the payment provider to pay."
)

// Describe maps an error, or else the session state, to a UserOutcome. s may
// be nil when the error happened before a session existed.
func (c *CheckoutService) Describe(s *session.Session, err error) UserOutcome {
	var provider session.Provider
	if s != nil {
		provider = s.Provider
	}

	if err != nil {
		switch domainErrors.Classify(err) {
		case domainErrors.KindNetworkFailure:
			return UserOutcome{Affordance: AffordanceRetry, Message: msgNetwork}
		case domainErrors.KindProviderDeclined:
			return c.tryAnother(provider, msgDeclined)
		case domainErrors.KindProviderUnavailable:
			return c.tryAnother(provider, msgUnavailable)
		case domainErrors.KindValidationMismatch:
			return UserOutcome{Affordance: AffordanceStartOver, Message: msgGeneric}
		case domainErrors.KindDoubleConfirmationAttempt:
			return UserOutcome{Affordance: AffordanceWait, Message: msgInFlight}
		}
		if errors.Is(err, domainErrors.ErrCheckoutInProgress) {
			return UserOutcome{Affordance: AffordanceWait, Message: msgInFlight}
		}
		return UserOutcome{Affordance: AffordanceStartOver, Message: msgGeneric}
	}

	if s == nil {
		return UserOutcome{Affordance: AffordanceNone}
	}
	switch s.State {
	case session.StateCompleted:
		return UserOutcome{Affordance: AffordanceNone, Message: msgCompleted}
	case session.StateCancelled:
		return UserOutcome{Affordance: AffordanceStartOver, Message: msgCancelled}
	case session.StateFailed:
		switch s.FailureReason {
		case session.ReasonProviderDeclined:
			return c.tryAnother(provider, msgDeclined)
		case session.ReasonConfirmationTimeout:
			return UserOutcome{Affordance: AffordanceStartOver, Message: msgNetwork}
		default:
			return UserOutcome{Affordance: AffordanceStartOver, Message: msgGeneric}
		}
	case session.StateConfirming:
		return UserOutcome{Affordance: AffordanceWait, Message: msgConfirming}
	case session.StateCreated:
		return UserOutcome{Affordance: AffordanceRetry, Message: msgNetwork}
	default:
		return UserOutcome{Affordance: AffordanceContinue, Message: msgContinue}
	}
}

func (c *CheckoutService) tryAnother(current session.Provider, msg string) UserOutcome {
	out := UserOutcome{Affordance: AffordanceTryAnotherMethod, Message: msg}
	if alt, ok := c.providers.Alternate(current); ok {
		out.AlternateProvider = alt
	}
	return out
}
