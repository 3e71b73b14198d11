package service

import (
	"github.com/cassiomorais/coursepay/internal/domain/session"
)

// Signal names the event that asks for a confirmation.
type Signal string

const (
	SignalRedirectReturn Signal = "redirect_return"
	SignalApprove        Signal = "approve"
	SignalStatusPoll     Signal = "status_poll"
	SignalWebhook        Signal = "webhook"
)

// StartRequest starts or resumes a checkout for one course.
// Controllers convert their HTTP DTOs to this type.
type StartRequest struct {
	UserID   string
	CourseID string
	Provider session.Provider
}

// ConfirmRequest carries one provider confirmation signal. UserID is empty
// for system callers.
type ConfirmRequest struct {
	SessionID string
	UserID    string
	Signal    Signal
	// Cancelled is set when the provider returned the user through the cancel URL.
	Cancelled bool
}

type ConfirmResult struct {
	Session *session.Session
	// Pending means the provider has not settled yet; the session stays confirming.
	Pending bool
}

// WebhookRequest identifies the session a provider webhook refers to.
type WebhookRequest struct {
	Provider  session.Provider
	SessionID string
	Reference string
}
