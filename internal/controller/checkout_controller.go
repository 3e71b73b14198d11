package controller

import (
	"net/http"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/internal/service"
	"github.com/go-chi/chi/v5"
)

// CheckoutController serves the checkout operations of the UI.
type CheckoutController struct {
	checkout *service.CheckoutService
	authz    *service.AuthzService
}

func NewCheckoutController(checkout *service.CheckoutService) *CheckoutController {
	return &CheckoutController{checkout: checkout, authz: service.NewAuthzService()}
}

// Providers handles GET /api/v1/checkout/providers
func (h *CheckoutController) Providers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ProvidersResponse{Providers: h.checkout.Providers()})
}

// Start handles POST /api/v1/checkout/sessions
func (h *CheckoutController) Start(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authz.CurrentUser(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	var req StartCheckoutRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	view, err := h.checkout.StartCheckout(r.Context(), userID, req.CourseID, session.Provider(req.Provider))
	if err != nil {
		h.fail(w, session.Provider(req.Provider), err)
		return
	}
	writeJSON(w, http.StatusCreated, FromView(view))
}

// Get handles GET /api/v1/checkout/sessions/{id}
func (h *CheckoutController) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authz.CurrentUser(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	view, err := h.checkout.GetSessionState(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromView(view))
}

// Cancel handles POST /api/v1/checkout/sessions/{id}/cancel
func (h *CheckoutController) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authz.CurrentUser(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	view, err := h.checkout.CancelCheckout(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, FromView(view))
}

// Approve handles POST /api/v1/checkout/sessions/{id}/approve. The user
// approved the order in the provider widget; the order is captured now.
func (h *CheckoutController) Approve(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, chi.URLParam(r, "id"), service.SignalApprove, false)
}

// Poll handles POST /api/v1/checkout/sessions/{id}/poll
func (h *CheckoutController) Poll(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, chi.URLParam(r, "id"), service.SignalStatusPoll, false)
}

// Return handles GET /api/v1/checkout/return?session_id=&result=success|cancel
func (h *CheckoutController) Return(w http.ResponseWriter, r *http.Request) {
	q := ReturnQuery{
		SessionID: r.URL.Query().Get("session_id"),
		Result:    r.URL.Query().Get("result"),
	}
	if err := validateStruct(q); err != nil {
		writeError(w, err)
		return
	}
	h.confirm(w, r, q.SessionID, service.SignalRedirectReturn, q.Result == "cancel")
}

func (h *CheckoutController) confirm(w http.ResponseWriter, r *http.Request, sessionID string, signal service.Signal, cancelled bool) {
	userID, err := h.authz.CurrentUser(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	view, err := h.checkout.Confirm(r.Context(), service.ConfirmRequest{
		SessionID: sessionID,
		UserID:    userID,
		Signal:    signal,
		Cancelled: cancelled,
	})
	if err != nil {
		h.fail(w, "", err)
		return
	}

	status := http.StatusOK
	if view.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, FromView(view))
}

// fail writes err with the outcome the UI should present.
func (h *CheckoutController) fail(w http.ResponseWriter, provider session.Provider, err error) {
	status, resp := errorResponse(err)
	if resp.Code == "validation_error" || status == http.StatusUnauthorized || status == http.StatusForbidden {
		writeJSON(w, status, resp)
		return
	}

	var s *session.Session
	if provider != "" {
		s = &session.Session{Provider: provider}
	}
	outcome := h.checkout.Describe(s, err)
	resp.Outcome = &outcome
	if domainErrors.Classify(err) == domainErrors.KindValidationMismatch {
		resp.Error = outcome.Message
	}
	writeJSON(w, status, resp)
}
