// Package platform is the client for the course platform backend, which owns
// session ids, prices, the payment ledger and enrollments.
package platform

import (
	"context"

	"github.com/cassiomorais/coursepay/internal/domain/ledger"
	"github.com/cassiomorais/coursepay/internal/domain/session"
)

// ConfirmState is the backend's verdict on a confirmed session.
type ConfirmState string

const (
	ConfirmCompleted ConfirmState = "completed"
	ConfirmFailed    ConfirmState = "failed"
)

// Quote is the backend's answer to a new checkout: the session id and the
// price captured for it.
type Quote struct {
	SessionID         string
	ProviderReference string
	CourseTitle       string
	Amount            session.Money
}

// ConfirmationData is the provider evidence forwarded for backend validation.
type ConfirmationData struct {
	Provider          session.Provider
	ProviderReference string
	TransactionID     string
	Outcome           string
	Amount            session.Money
}

type Confirmation struct {
	State         ConfirmState
	LedgerEntryID string
}

type Enrollment struct {
	UserID    string
	CourseID  string
	SessionID string
}

// Backend is the platform collaborator used by the checkout services.
type Backend interface {
	CreateSession(ctx context.Context, userID, courseID string, provider session.Provider) (*Quote, error)
	ConfirmSession(ctx context.Context, userID, sessionID string, data ConfirmationData) (*Confirmation, error)
	ListPaymentSessions(ctx context.Context, userID string) ([]ledger.Entry, error)
	// ActivateEnrollment is idempotent on the backend side.
	ActivateEnrollment(ctx context.Context, e Enrollment) error
}

type tokenKey struct{}

// WithBearerToken forwards the caller's token on backend requests made with ctx.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func bearerToken(ctx context.Context) string {
	tok, _ := ctx.Value(tokenKey{}).(string)
	return tok
}
