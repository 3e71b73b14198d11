package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cassiomorais/coursepay/internal/config"
	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/ledger"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type createSessionRequest struct {
	CourseID string `json:"courseId"`
	Provider string `json:"provider"`
}

type quoteResponse struct {
	SessionID         string          `json:"sessionId"`
	ProviderReference string          `json:"providerReference"`
	CourseTitle       string          `json:"courseTitle"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
}

type confirmationPayload struct {
	Provider          string          `json:"provider"`
	ProviderReference string          `json:"providerReference"`
	TransactionID     string          `json:"transactionId,omitempty"`
	Outcome           string          `json:"outcome"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
}

type confirmRequest struct {
	ProviderConfirmationData confirmationPayload `json:"providerConfirmationData"`
}

type confirmResponse struct {
	State         string `json:"state"`
	LedgerEntryID string `json:"ledgerEntryId"`
}

type enrollmentRequest struct {
	UserID    string `json:"userId"`
	CourseID  string `json:"courseId"`
	SessionID string `json:"sessionId"`
}

type ledgerEntryResponse struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	UserID      string          `json:"userId"`
	CourseID    string          `json:"courseId"`
	CourseTitle string          `json:"courseTitle"`
	Provider    string          `json:"provider"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	State       string          `json:"state"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Client talks JSON over HTTP to the platform backend. Idempotent calls are
// retried on network failures; all calls share one circuit breaker.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retry   retry.Config
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  zerolog.Logger

	onStateChange func(name string, from, to gobreaker.State)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBreakerStateChange observes breaker transitions, e.g. for metrics.
func WithBreakerStateChange(fn func(name string, from, to gobreaker.State)) Option {
	return func(c *Client) { c.onStateChange = fn }
}

func NewClient(cfg config.PlatformConfig, cb config.CircuitBreakerConfig, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.APIToken,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry: retry.Config{
			MaxAttempts:  uint(cfg.MaxRetries),
			InitialDelay: cfg.RetryDelay,
			MaxDelay:     8 * cfg.RetryDelay,
			Multiplier:   2,
			RetryIf:      domainErrors.IsRetryable,
		},
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}

	c.retry.OnRetry = func(n uint, err error) {
		c.logger.Warn().Err(err).Uint("attempt", n+1).Msg("Retrying platform call")
	}

	minRequests := cb.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	failureRatio := cb.FailureRatio
	if failureRatio == 0 {
		failureRatio = 0.6
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:          "platform",
		MaxRequests:   cb.MaxRequests,
		Interval:      cb.Interval,
		Timeout:       cb.Timeout,
		OnStateChange: c.onStateChange,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && ratio >= failureRatio
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, domainErrors.ErrNetworkFailure)
		},
	})

	return c
}

// CreateSession is not retried: a lost response would otherwise create two sessions.
func (c *Client) CreateSession(ctx context.Context, userID, courseID string, provider session.Provider) (*Quote, error) {
	var resp quoteResponse
	if err := c.call(ctx, http.MethodPost, "/payment-sessions", userID,
		createSessionRequest{CourseID: courseID, Provider: string(provider)}, &resp); err != nil {
		return nil, fmt.Errorf("create payment session: %w", err)
	}

	amount, err := session.MoneyFromDecimal(resp.Amount, resp.Currency)
	if err != nil {
		return nil, fmt.Errorf("quote amount: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("quote has no session id: %w", domainErrors.ErrInvalidInput)
	}

	return &Quote{
		SessionID:         resp.SessionID,
		ProviderReference: resp.ProviderReference,
		CourseTitle:       resp.CourseTitle,
		Amount:            amount,
	}, nil
}

func (c *Client) ConfirmSession(ctx context.Context, userID, sessionID string, data ConfirmationData) (*Confirmation, error) {
	body := confirmRequest{ProviderConfirmationData: confirmationPayload{
		Provider:          string(data.Provider),
		ProviderReference: data.ProviderReference,
		TransactionID:     data.TransactionID,
		Outcome:           data.Outcome,
		Amount:            data.Amount.Decimal(),
		Currency:          data.Amount.Currency,
	}}

	resp, err := retry.DoWithResult(ctx, c.retry, func() (*confirmResponse, error) {
		var out confirmResponse
		err := c.call(ctx, http.MethodPost, "/payment-sessions/"+url.PathEscape(sessionID)+"/confirm", userID, body, &out)
		return &out, err
	})
	if err != nil {
		return nil, fmt.Errorf("confirm payment session %s: %w", sessionID, err)
	}

	state := ConfirmState(resp.State)
	if state != ConfirmCompleted && state != ConfirmFailed {
		return nil, fmt.Errorf("confirm payment session %s: unexpected state %q: %w", sessionID, resp.State, domainErrors.ErrInvalidInput)
	}
	return &Confirmation{State: state, LedgerEntryID: resp.LedgerEntryID}, nil
}

func (c *Client) ListPaymentSessions(ctx context.Context, userID string) ([]ledger.Entry, error) {
	resp, err := retry.DoWithResult(ctx, c.retry, func() ([]ledgerEntryResponse, error) {
		var out []ledgerEntryResponse
		err := c.call(ctx, http.MethodGet, "/payment-sessions/user/"+url.PathEscape(userID), userID, nil, &out)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("list payment sessions: %w", err)
	}

	entries := make([]ledger.Entry, 0, len(resp))
	for _, r := range resp {
		amount, err := session.MoneyFromDecimal(r.Amount, r.Currency)
		if err != nil {
			return nil, fmt.Errorf("ledger entry %s: %w", r.ID, err)
		}
		entries = append(entries, ledger.Entry{
			ID:          r.ID,
			SessionID:   r.SessionID,
			UserID:      r.UserID,
			CourseID:    r.CourseID,
			CourseTitle: r.CourseTitle,
			Provider:    session.Provider(r.Provider),
			Amount:      amount,
			Status:      ledger.Status(r.State),
			CreatedAt:   r.CreatedAt,
		})
	}
	return entries, nil
}

func (c *Client) ActivateEnrollment(ctx context.Context, e Enrollment) error {
	body := enrollmentRequest{UserID: e.UserID, CourseID: e.CourseID, SessionID: e.SessionID}
	err := retry.Do(ctx, c.retry, func() error {
		return c.call(ctx, http.MethodPost, "/enrollments", e.UserID, body, nil)
	})
	if err != nil {
		return fmt.Errorf("activate enrollment for session %s: %w", e.SessionID, err)
	}
	return nil
}

// call performs one request through the breaker and decodes a 2xx body into out.
func (c *Client) call(ctx context.Context, method, path, userID string, in, out any) error {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.send(ctx, method, path, userID, in)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("platform circuit breaker: %v: %w", err, domainErrors.ErrNetworkFailure)
		}
		return err
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %v: %w", method, path, err, domainErrors.ErrInvalidInput)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path, userID string, in any) ([]byte, error) {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if tok := bearerToken(ctx); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	} else if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", method, path, err, domainErrors.ErrNetworkFailure)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %v: %w", method, path, err, domainErrors.ErrNetworkFailure)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, statusError(method, path, resp.StatusCode)
}

func statusError(method, path string, code int) error {
	var sentinel error
	switch {
	case code == http.StatusNotFound:
		sentinel = domainErrors.ErrSessionNotFound
	case code == http.StatusConflict:
		sentinel = domainErrors.ErrCheckoutInProgress
	case code == http.StatusUnauthorized:
		sentinel = domainErrors.ErrUnauthorized
	case code == http.StatusForbidden:
		sentinel = domainErrors.ErrForbidden
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		sentinel = domainErrors.ErrNetworkFailure
	default:
		sentinel = domainErrors.ErrInvalidInput
	}
	return fmt.Errorf("%s %s returned %d: %w", method, path, code, sentinel)
}
