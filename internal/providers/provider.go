package providers

import (
	"context"
	"net/url"

	"github.com/cassiomorais/coursepay/internal/domain/session"
)

// Kind distinguishes how a provider completes a payment.
type Kind string

const (
	// KindRedirect sends the user to a hosted page and confirms on return or webhook.
	KindRedirect Kind = "redirect"
	// KindOrderCapture creates an order the user approves, then captures it server side.
	KindOrderCapture Kind = "order_capture"
)

// OutcomeStatus is the normalized provider result.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeDeclined  OutcomeStatus = "declined"
	OutcomePending   OutcomeStatus = "pending"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// IntentRequest describes the payment a provider should collect.
type IntentRequest struct {
	SessionID   string
	UserID      string
	CourseID    string
	Description string
	Amount      session.Money
	// Reference is an intent already minted for this session, adopted instead of creating a new one.
	Reference string
}

// Intent is the provider-side handle the user completes.
type Intent struct {
	Reference   string
	CheckoutURL string
	Amount      session.Money
}

// Outcome is what the provider reports for an intent.
type Outcome struct {
	Status         OutcomeStatus
	Reference      string
	TransactionID  string
	Amount         session.Money
	ProviderStatus string
	// AwaitingPayer is set on a pending outcome when the user has not yet
	// completed or approved the payment on the provider side.
	AwaitingPayer bool
}

// Final reports whether the outcome can be reconciled.
func (o *Outcome) Final() bool {
	return o != nil && o.Status != OutcomePending
}

// Adapter is the contract every payment provider implements.
type Adapter interface {
	Name() session.Provider
	Kind() Kind
	// Configured reports whether credentials are present.
	Configured() bool
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	// Status reports the provider outcome for reference without moving money.
	Status(ctx context.Context, reference string) (*Outcome, error)
	// Confirm reports the provider outcome for reference. Order/capture
	// providers capture an approved order here.
	Confirm(ctx context.Context, reference string) (*Outcome, error)
	// Void releases an intent that will never be confirmed. Best effort.
	Void(ctx context.Context, reference string) error
}

// WebhookEvent is a verified provider notification about one intent.
type WebhookEvent struct {
	EventID   string
	Type      string
	Reference string
	SessionID string
	// Relevant is false for event types the checkout flow ignores.
	Relevant bool
}

// WebhookParser verifies and decodes provider webhooks.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

// returnURL appends the session and result to a configured return URL.
func returnURL(base, sessionID, result string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	q.Set("result", result)
	u.RawQuery = q.Encode()
	return u.String()
}
