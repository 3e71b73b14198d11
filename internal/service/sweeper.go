package service

import (
	"context"
	"errors"
	"time"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/cassiomorais/coursepay/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

const sweepBatch = 50

// Sweeper expires abandoned sessions and resolves sessions stuck in confirming.
type Sweeper struct {
	sessions session.Repository
	svc      *SessionService
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func NewSweeper(sessions session.Repository, svc *SessionService, metrics *observability.Metrics, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		sessions: sessions,
		svc:      svc,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps on every tick until ctx is done.
func (w *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if _, err := w.SweepAbandoned(ctx); err != nil {
			w.logger.Error().Err(err).Msg("Abandoned session sweep failed")
		}
		if _, err := w.SweepStuck(ctx); err != nil {
			w.logger.Error().Err(err).Msg("Stuck session sweep failed")
		}
	}
}

// SweepAbandoned cancels created and awaiting_provider sessions older than session_ttl.
func (w *Sweeper) SweepAbandoned(ctx context.Context) (int, error) {
	now := w.now()
	stale, err := w.sessions.ListStale(ctx,
		[]session.State{session.StateCreated, session.StateAwaitingProvider},
		now.Add(-w.svc.cfg.SessionTTL), sweepBatch)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, s := range stale {
		expired, err := w.svc.expire(ctx, s.ID, now)
		if err != nil {
			if !errors.Is(err, domainErrors.ErrDoubleConfirmationAttempt) {
				w.logger.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to expire session")
			}
			continue
		}
		if expired {
			n++
			w.metrics.SessionSwept(session.ReasonExpired)
		}
	}
	return n, nil
}

// SweepStuck polls the provider for sessions confirming longer than
// confirming_ttl and fails the ones that still have no outcome.
func (w *Sweeper) SweepStuck(ctx context.Context) (int, error) {
	now := w.now()
	stale, err := w.sessions.ListStale(ctx,
		[]session.State{session.StateConfirming},
		now.Add(-w.svc.cfg.ConfirmingTTL), sweepBatch)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, s := range stale {
		log := w.logger.With().Str("session_id", s.ID).Logger()

		res, err := w.svc.Confirm(ctx, ConfirmRequest{SessionID: s.ID, Signal: SignalStatusPoll})
		switch {
		case errors.Is(err, domainErrors.ErrDoubleConfirmationAttempt):
			continue
		case err == nil && res.Session.IsTerminal():
			n++
			w.metrics.SessionSwept("resolved")
			log.Info().Str("state", string(res.Session.State)).Msg("Stuck session resolved by status poll")
			continue
		case err != nil:
			log.Debug().Err(err).Msg("Status poll did not settle session")
		}

		timedOut, err := w.svc.expire(ctx, s.ID, now)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to time out session")
			continue
		}
		if timedOut {
			n++
			w.metrics.SessionSwept(session.ReasonConfirmationTimeout)
		}
	}
	return n, nil
}
