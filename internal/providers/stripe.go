package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cassiomorais/coursepay/internal/config"
	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
)

// Stripe webhook event types the checkout flow reacts to.
const (
	StripeEventCheckoutCompleted     = "checkout.session.completed"
	StripeEventCheckoutExpired       = "checkout.session.expired"
	StripeEventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	StripeEventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
)

// StripeAdapter is the redirect provider backed by Stripe Checkout.
type StripeAdapter struct {
	cfg config.StripeConfig
	api *client.API
}

// NewStripeAdapter builds the Stripe client. A nil httpClient uses the SDK default.
func NewStripeAdapter(cfg config.StripeConfig, httpClient *http.Client) *StripeAdapter {
	bc := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
	}
	if cfg.APIURL != "" {
		bc.URL = stripe.String(cfg.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return &StripeAdapter{cfg: cfg, api: api}
}

func (a *StripeAdapter) Name() session.Provider { return session.ProviderStripe }
func (a *StripeAdapter) Kind() Kind             { return KindRedirect }
func (a *StripeAdapter) Configured() bool       { return a.cfg.Configured() }

func (a *StripeAdapter) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if req.Reference != "" {
		return a.adopt(ctx, req)
	}

	description := req.Description
	if description == "" {
		description = "Course " + req.CourseID
	}

	params := &stripe.CheckoutSessionParams{
		SuccessURL:        stripe.String(returnURL(a.cfg.SuccessURL, req.SessionID, "success")),
		CancelURL:         stripe.String(returnURL(a.cancelURL(), req.SessionID, "cancel")),
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.SessionID),
		ExpiresAt:         stripe.Int64(time.Now().Add(a.checkoutExpiry()).Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Amount.Currency)),
				UnitAmount: stripe.Int64(req.Amount.Cents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(description),
				},
			},
		}},
	}
	params.Context = ctx
	params.AddMetadata("session_id", req.SessionID)
	params.AddMetadata("user_id", req.UserID)
	params.AddMetadata("course_id", req.CourseID)

	cs, err := a.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create stripe checkout session: %w", mapStripeError(err))
	}

	return &Intent{Reference: cs.ID, CheckoutURL: cs.URL, Amount: stripeAmount(cs)}, nil
}

func (a *StripeAdapter) adopt(ctx context.Context, req IntentRequest) (*Intent, error) {
	cs, err := a.get(ctx, req.Reference)
	if err != nil {
		return nil, err
	}
	if cs.Status == stripe.CheckoutSessionStatusExpired {
		return nil, fmt.Errorf("stripe checkout session %s already expired: %w", cs.ID, domainErrors.ErrInvalidInput)
	}
	amount := stripeAmount(cs)
	if !amount.Equal(req.Amount) {
		return nil, fmt.Errorf("stripe checkout session %s is for %s, quote is %s: %w",
			cs.ID, amount, req.Amount, domainErrors.ErrValidationMismatch)
	}
	return &Intent{Reference: cs.ID, CheckoutURL: cs.URL, Amount: amount}, nil
}

// Confirm is read-only for Stripe: a checkout session is paid by the user, not captured by us.
func (a *StripeAdapter) Confirm(ctx context.Context, reference string) (*Outcome, error) {
	return a.Status(ctx, reference)
}

func (a *StripeAdapter) Status(ctx context.Context, reference string) (*Outcome, error) {
	cs, err := a.get(ctx, reference)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Reference:      cs.ID,
		Amount:         stripeAmount(cs),
		ProviderStatus: string(cs.Status) + "/" + string(cs.PaymentStatus),
	}
	if cs.PaymentIntent != nil {
		out.TransactionID = cs.PaymentIntent.ID
	}

	switch {
	case cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		out.Status = OutcomeSucceeded
	case cs.Status == stripe.CheckoutSessionStatusExpired:
		out.Status = OutcomeCancelled
	case cs.Status == stripe.CheckoutSessionStatusOpen:
		out.Status = OutcomePending
		out.AwaitingPayer = true
	default:
		// complete with an asynchronous payment method still settling
		out.Status = OutcomePending
	}
	return out, nil
}

// checkoutExpiry keeps the hosted page lifetime inside the window Stripe accepts.
func (a *StripeAdapter) checkoutExpiry() time.Duration {
	d := a.cfg.CheckoutExpiry
	switch {
	case d <= 0:
		return time.Hour
	case d < 30*time.Minute:
		return 30 * time.Minute
	case d > 24*time.Hour:
		return 24 * time.Hour
	}
	return d
}

// Void expires an open checkout session so it can no longer be paid.
func (a *StripeAdapter) Void(ctx context.Context, reference string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := a.api.CheckoutSessions.Expire(reference, params); err != nil {
		return fmt.Errorf("expire stripe checkout session %s: %w", reference, mapStripeError(err))
	}
	return nil
}

// ParseWebhook verifies the Stripe-Signature header and extracts the checkout session.
func (a *StripeAdapter) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, a.cfg.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("verify stripe webhook: %v: %w", err, domainErrors.ErrInvalidInput)
	}

	evt := &WebhookEvent{EventID: event.ID, Type: string(event.Type)}
	switch evt.Type {
	case StripeEventCheckoutCompleted, StripeEventCheckoutExpired,
		StripeEventAsyncPaymentSucceeded, StripeEventAsyncPaymentFailed:
	default:
		return evt, nil
	}

	var cs stripe.CheckoutSession
	if event.Data == nil {
		return nil, fmt.Errorf("stripe event %s has no data: %w", event.ID, domainErrors.ErrInvalidInput)
	}
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("decode stripe checkout session: %v: %w", err, domainErrors.ErrInvalidInput)
	}

	evt.Reference = cs.ID
	evt.SessionID = cs.ClientReferenceID
	evt.Relevant = true
	return evt, nil
}

func (a *StripeAdapter) get(ctx context.Context, reference string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	cs, err := a.api.CheckoutSessions.Get(reference, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve stripe checkout session %s: %w", reference, mapStripeError(err))
	}
	return cs, nil
}

func (a *StripeAdapter) cancelURL() string {
	if a.cfg.CancelURL != "" {
		return a.cfg.CancelURL
	}
	return a.cfg.SuccessURL
}

func stripeAmount(cs *stripe.CheckoutSession) session.Money {
	return session.NewMoney(cs.AmountTotal, string(cs.Currency))
}

func mapStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%v: %w", err, domainErrors.ErrNetworkFailure)
	}

	switch {
	case se.Type == stripe.ErrorTypeCard:
		return fmt.Errorf("%s: %w", se.Msg, domainErrors.ErrProviderDeclined)
	case se.HTTPStatusCode == http.StatusUnauthorized || se.HTTPStatusCode == http.StatusForbidden:
		return fmt.Errorf("stripe rejected credentials: %w", domainErrors.ErrProviderUnavailable)
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("stripe returned %d: %w", se.HTTPStatusCode, domainErrors.ErrNetworkFailure)
	default:
		return fmt.Errorf("%s: %w", se.Msg, domainErrors.ErrInvalidInput)
	}
}
