package controller

import (
	"time"

	"github.com/cassiomorais/coursepay/internal/domain/ledger"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/internal/service"
)

// --- Request DTOs ---
// These DTOs handle HTTP/JSON concerns. Controllers convert them to service
// layer requests before calling business logic.

// StartCheckoutRequest starts a checkout for one course. An empty provider
// selects the default.
type StartCheckoutRequest struct {
	CourseID string `json:"course_id" validate:"required,max=128"`
	Provider string `json:"provider,omitempty" validate:"omitempty,oneof=stripe paypal"`
}

// ReturnQuery is the redirect return from a hosted checkout page.
type ReturnQuery struct {
	SessionID string `json:"session_id" validate:"required"`
	Result    string `json:"result" validate:"required,oneof=success cancel"`
}

// --- Response DTOs ---

// SessionResponse represents a checkout session in API responses.
type SessionResponse struct {
	ID            string              `json:"id"`
	CourseID      string              `json:"course_id"`
	Provider      string              `json:"provider"`
	State         string              `json:"state"`
	Amount        string              `json:"amount"`
	Currency      string              `json:"currency"`
	CheckoutURL   string              `json:"checkout_url,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	Pending       bool                `json:"pending"`
	Outcome       service.UserOutcome `json:"outcome"`
	CreatedAt     time.Time           `json:"created_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
}

type ProvidersResponse struct {
	Providers []service.ProviderOption `json:"providers"`
}

// HistoryEntryResponse is one ledger entry in the payment history.
type HistoryEntryResponse struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	CourseID    string    `json:"course_id"`
	CourseTitle string    `json:"course_title,omitempty"`
	Provider    string    `json:"provider"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type HistoryResponse struct {
	Filter  string                 `json:"filter"`
	Entries []HistoryEntryResponse `json:"entries"`
}

// ErrorResponse represents an error response. Checkout errors carry the
// outcome the UI should present.
type ErrorResponse struct {
	Error   string               `json:"error"`
	Code    string               `json:"code"`
	Outcome *service.UserOutcome `json:"outcome,omitempty"`
}

// --- Conversion helpers ---

// FromView converts a checkout view to an API response. The amount is
// rendered in decimal form and the provider reference is not exposed.
func FromView(v *service.CheckoutView) *SessionResponse {
	s := v.Session
	resp := FromSession(s)
	resp.Pending = v.Pending
	resp.Outcome = v.Outcome
	return resp
}

func FromSession(s *session.Session) *SessionResponse {
	resp := &SessionResponse{
		ID:            s.ID,
		CourseID:      s.CourseID,
		Provider:      string(s.Provider),
		State:         string(s.State),
		Amount:        s.Amount.Value(),
		Currency:      s.Amount.Currency,
		FailureReason: s.FailureReason,
		CreatedAt:     s.CreatedAt,
		CompletedAt:   s.CompletedAt,
	}
	if s.State == session.StateAwaitingProvider {
		resp.CheckoutURL = s.CheckoutURL
	}
	if s.FailureReason == session.ReasonValidationMismatch {
		resp.FailureReason = ""
	}
	return resp
}

func FromLedgerEntries(entries []ledger.Entry) []HistoryEntryResponse {
	out := make([]HistoryEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryEntryResponse{
			ID:          e.ID,
			SessionID:   e.SessionID,
			CourseID:    e.CourseID,
			CourseTitle: e.CourseTitle,
			Provider:    string(e.Provider),
			Amount:      e.Amount.Value(),
			Currency:    e.Amount.Currency,
			Status:      string(e.Status),
			CreatedAt:   e.CreatedAt,
		})
	}
	return out
}
