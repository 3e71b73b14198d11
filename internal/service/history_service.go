package service

import (
	"context"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/ledger"
	"github.com/cassiomorais/coursepay/internal/platform"
	"github.com/rs/zerolog"
)

// HistoryService reads a user's payment history from the platform ledger.
type HistoryService struct {
	backend platform.Backend
	logger  zerolog.Logger
}

func NewHistoryService(backend platform.Backend, logger zerolog.Logger) *HistoryService {
	return &HistoryService{backend: backend, logger: logger}
}

// Fetch loads the history once. Views are filtered locally.
func (h *HistoryService) Fetch(ctx context.Context, userID string) (*ledger.View, error) {
	if userID == "" {
		return nil, domainErrors.ErrUnauthorized
	}
	entries, err := h.backend.ListPaymentSessions(ctx, userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load payment history")
		return nil, err
	}
	return ledger.NewView(userID, entries), nil
}

// List returns the entries matching filter ("", "all", "completed" or "failed").
func (h *HistoryService) List(ctx context.Context, userID, filter string) ([]ledger.Entry, error) {
	f, ok := ledger.ParseFilter(filter)
	if !ok {
		return nil, domainErrors.NewValidationError("filter", "must be all, completed or failed")
	}
	view, err := h.Fetch(ctx, userID)
	if err != nil {
		return nil, err
	}
	return view.Filter(f), nil
}
