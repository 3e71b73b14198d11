package service

import (
	"context"

	"github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/internal/middleware"
)

type AuthzService struct{}

func NewAuthzService() *AuthzService {
	return &AuthzService{}
}

// CurrentUser returns the authenticated user on ctx.
func (a *AuthzService) CurrentUser(ctx context.Context) (string, error) {
	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		return "", errors.ErrUnauthorized
	}
	return userID, nil
}

// VerifySessionOwnership checks that userID owns s. An empty userID is a
// system caller (webhooks, sweeper) and is always allowed.
func (a *AuthzService) VerifySessionOwnership(userID string, s *session.Session) error {
	if userID == "" {
		return nil
	}
	if s.UserID != userID {
		return errors.ErrForbidden
	}
	return nil
}
