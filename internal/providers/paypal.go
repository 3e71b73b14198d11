package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cassiomorais/coursepay/internal/config"
	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/plutov/paypal/v4"
)

// PayPal order and capture statuses.
const (
	paypalStatusCreated   = "CREATED"
	paypalStatusApproved  = "APPROVED"
	paypalStatusCompleted = "COMPLETED"
	paypalStatusVoided    = "VOIDED"
	paypalStatusDeclined  = "DECLINED"
	paypalStatusFailed    = "FAILED"

	paypalIssueDeclined        = "INSTRUMENT_DECLINED"
	paypalIssueNotApproved     = "ORDER_NOT_APPROVED"
	paypalIssueAlreadyCaptured = "ORDER_ALREADY_CAPTURED"
)

// PayPalAdapter is the order/capture provider backed by PayPal Orders v2.
type PayPalAdapter struct {
	cfg    config.PayPalConfig
	client *paypal.Client
}

// NewPayPalAdapter builds the PayPal client. Without credentials the adapter
// reports itself unconfigured and is never offered.
func NewPayPalAdapter(cfg config.PayPalConfig, httpClient *http.Client) (*PayPalAdapter, error) {
	a := &PayPalAdapter{cfg: cfg}
	if !cfg.Configured() {
		return a, nil
	}

	c, err := paypal.NewClient(cfg.ClientID, cfg.Secret, cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("create paypal client: %w", err)
	}
	if httpClient != nil {
		c.Client = httpClient
	}
	a.client = c
	return a, nil
}

func (a *PayPalAdapter) Name() session.Provider { return session.ProviderPayPal }
func (a *PayPalAdapter) Kind() Kind             { return KindOrderCapture }
func (a *PayPalAdapter) Configured() bool       { return a.client != nil }

func (a *PayPalAdapter) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if req.Reference != "" {
		return a.adopt(ctx, req)
	}

	description := req.Description
	if description == "" {
		description = "Course " + req.CourseID
	}

	units := []paypal.PurchaseUnitRequest{{
		ReferenceID: req.SessionID,
		CustomID:    req.SessionID,
		Description: description,
		Amount: &paypal.PurchaseUnitAmount{
			Currency: req.Amount.Currency,
			Value:    req.Amount.Value(),
		},
	}}
	app := &paypal.ApplicationContext{
		BrandName:  a.cfg.BrandName,
		UserAction: "PAY_NOW",
		ReturnURL:  returnURL(a.cfg.ReturnURL, req.SessionID, "success"),
		CancelURL:  returnURL(a.cancelURL(), req.SessionID, "cancel"),
	}

	ord, err := a.client.CreateOrder(ctx, "CAPTURE", units, nil, app)
	if err != nil {
		return nil, fmt.Errorf("create paypal order: %w", mapPayPalError(err))
	}

	return &Intent{Reference: ord.ID, CheckoutURL: approveLink(ord), Amount: req.Amount}, nil
}

func (a *PayPalAdapter) adopt(ctx context.Context, req IntentRequest) (*Intent, error) {
	ord, err := a.getOrder(ctx, req.Reference)
	if err != nil {
		return nil, err
	}
	amount, err := orderAmount(ord)
	if err != nil {
		return nil, err
	}
	if !amount.Equal(req.Amount) {
		return nil, fmt.Errorf("paypal order %s is for %s, quote is %s: %w",
			ord.ID, amount, req.Amount, domainErrors.ErrValidationMismatch)
	}
	return &Intent{Reference: ord.ID, CheckoutURL: approveLink(ord), Amount: amount}, nil
}

// Confirm captures an approved order. Orders the payer has not approved yet
// are reported as pending.
func (a *PayPalAdapter) Confirm(ctx context.Context, reference string) (*Outcome, error) {
	ord, err := a.getOrder(ctx, reference)
	if err != nil {
		return nil, err
	}
	if ord.Status == paypalStatusApproved {
		return a.capture(ctx, reference)
	}
	return orderOutcome(ord)
}

// Status reads the order without capturing it.
func (a *PayPalAdapter) Status(ctx context.Context, reference string) (*Outcome, error) {
	ord, err := a.getOrder(ctx, reference)
	if err != nil {
		return nil, err
	}
	return orderOutcome(ord)
}

func orderOutcome(ord *paypal.Order) (*Outcome, error) {
	switch ord.Status {
	case paypalStatusCompleted:
		return completedOrderOutcome(ord)
	case paypalStatusApproved:
		// approved and waiting for our capture
		return &Outcome{Status: OutcomePending, Reference: ord.ID, ProviderStatus: ord.Status}, nil
	case paypalStatusVoided:
		return &Outcome{Status: OutcomeCancelled, Reference: ord.ID, ProviderStatus: ord.Status}, nil
	default:
		return &Outcome{Status: OutcomePending, Reference: ord.ID, ProviderStatus: ord.Status, AwaitingPayer: true}, nil
	}
}

func (a *PayPalAdapter) capture(ctx context.Context, reference string) (*Outcome, error) {
	resp, err := a.client.CaptureOrder(ctx, reference, paypal.CaptureOrderRequest{})
	if err != nil {
		switch {
		case hasPayPalIssue(err, paypalIssueDeclined):
			return &Outcome{Status: OutcomeDeclined, Reference: reference, ProviderStatus: paypalIssueDeclined}, nil
		case hasPayPalIssue(err, paypalIssueNotApproved):
			return &Outcome{Status: OutcomePending, Reference: reference, ProviderStatus: paypalIssueNotApproved}, nil
		case hasPayPalIssue(err, paypalIssueAlreadyCaptured):
			ord, getErr := a.getOrder(ctx, reference)
			if getErr != nil {
				return nil, getErr
			}
			return completedOrderOutcome(ord)
		}
		return nil, fmt.Errorf("capture paypal order %s: %w", reference, mapPayPalError(err))
	}

	out := &Outcome{Reference: reference, ProviderStatus: resp.Status}
	if len(resp.PurchaseUnits) == 0 || resp.PurchaseUnits[0].Payments == nil ||
		len(resp.PurchaseUnits[0].Payments.Captures) == 0 {
		return nil, fmt.Errorf("paypal capture for %s returned no captures: %w", reference, domainErrors.ErrInvalidInput)
	}
	capture := resp.PurchaseUnits[0].Payments.Captures[0]
	out.TransactionID = capture.ID
	out.ProviderStatus = capture.Status

	if capture.Amount != nil {
		amount, err := session.ParseMoney(capture.Amount.Value, capture.Amount.Currency)
		if err != nil {
			return nil, fmt.Errorf("paypal capture amount: %w", err)
		}
		out.Amount = amount
	}

	switch capture.Status {
	case paypalStatusCompleted:
		out.Status = OutcomeSucceeded
	case paypalStatusDeclined, paypalStatusFailed:
		out.Status = OutcomeDeclined
	default:
		out.Status = OutcomePending
	}
	return out, nil
}

// Void is a no-op: uncaptured PayPal orders lapse on their own.
func (a *PayPalAdapter) Void(ctx context.Context, reference string) error {
	return nil
}

func (a *PayPalAdapter) getOrder(ctx context.Context, reference string) (*paypal.Order, error) {
	ord, err := a.client.GetOrder(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("get paypal order %s: %w", reference, mapPayPalError(err))
	}
	return ord, nil
}

func (a *PayPalAdapter) cancelURL() string {
	if a.cfg.CancelURL != "" {
		return a.cfg.CancelURL
	}
	return a.cfg.ReturnURL
}

func completedOrderOutcome(ord *paypal.Order) (*Outcome, error) {
	amount, err := orderAmount(ord)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Status:         OutcomeSucceeded,
		Reference:      ord.ID,
		Amount:         amount,
		ProviderStatus: ord.Status,
	}, nil
}

func orderAmount(ord *paypal.Order) (session.Money, error) {
	if len(ord.PurchaseUnits) == 0 || ord.PurchaseUnits[0].Amount == nil {
		return session.Money{}, fmt.Errorf("paypal order %s has no amount: %w", ord.ID, domainErrors.ErrInvalidInput)
	}
	amt := ord.PurchaseUnits[0].Amount
	return session.ParseMoney(amt.Value, amt.Currency)
}

func approveLink(ord *paypal.Order) string {
	for _, l := range ord.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

func hasPayPalIssue(err error, issue string) bool {
	var pe *paypal.ErrorResponse
	if !errors.As(err, &pe) {
		return false
	}
	for _, d := range pe.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

func mapPayPalError(err error) error {
	var pe *paypal.ErrorResponse
	if !errors.As(err, &pe) || pe.Response == nil {
		return fmt.Errorf("%v: %w", err, domainErrors.ErrNetworkFailure)
	}

	status := pe.Response.StatusCode
	switch {
	case hasPayPalIssue(err, paypalIssueDeclined):
		return fmt.Errorf("%s: %w", pe.Name, domainErrors.ErrProviderDeclined)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("paypal rejected credentials: %w", domainErrors.ErrProviderUnavailable)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return fmt.Errorf("paypal returned %d: %w", status, domainErrors.ErrNetworkFailure)
	default:
		return fmt.Errorf("paypal %s: %w", pe.Name, domainErrors.ErrInvalidInput)
	}
}
