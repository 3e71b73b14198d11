package controller

import (
	"net/http"

	"github.com/cassiomorais/coursepay/internal/service"
)

type HistoryController struct {
	history *service.HistoryService
	authz   *service.AuthzService
}

func NewHistoryController(history *service.HistoryService) *HistoryController {
	return &HistoryController{history: history, authz: service.NewAuthzService()}
}

// List handles GET /api/v1/payments/history?status=all|completed|failed
func (h *HistoryController) List(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authz.CurrentUser(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	filter := r.URL.Query().Get("status")
	entries, err := h.history.List(r.Context(), userID, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	if filter == "" {
		filter = "all"
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Filter: filter, Entries: FromLedgerEntries(entries)})
}
