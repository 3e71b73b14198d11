package service

import (
	"context"
	"fmt"
	"sync"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
)

// Guard serializes work on a key. A key that is already held is reported
// with ErrLockAcquisitionFailed; callers never queue behind it.
type Guard interface {
	TryAcquire(ctx context.Context, key string) (release func(), err error)
}

func checkoutKey(userID, courseID string) string {
	return "checkout:" + userID + ":" + courseID
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

// LocalGuard is the in-process Guard used when a single instance serves
// checkout, and in tests.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]struct{})}
}

func (g *LocalGuard) TryAcquire(_ context.Context, key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.held[key]; ok {
		return nil, fmt.Errorf("guard %s: %w", key, domainErrors.ErrLockAcquisitionFailed)
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, nil
}
