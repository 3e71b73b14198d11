package middleware

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/cassiomorais/coursepay/internal/repository/postgres"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

const maxIdempotencyBodySize = 1 << 20

// IdempotencyStore persists replayable responses. *postgres.IdempotencyRepository implements it.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*postgres.IdempotencyEntry, error)
	Set(ctx context.Context, entry *postgres.IdempotencyEntry) error
}

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Keys are scoped to the authenticated user. 5xx responses are not stored so
// the client can retry them. A failing store degrades to pass-through.
func Idempotency(store IdempotencyStore, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scopedIdempotencyKey(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			stored, err := store.Get(ctx, key)
			switch {
			case err != nil:
				log.Ctx(ctx).Warn().Err(err).Msg("Idempotency lookup failed")
			case stored != nil:
				replay(w, stored)
				return
			}

			captured := &cappedBuffer{limit: maxIdempotencyBodySize}
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(captured)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError || captured.overflow {
				return
			}

			now := time.Now().UTC()
			if err := store.Set(ctx, &postgres.IdempotencyEntry{
				Key:            key,
				ResponseBody:   captured.String(),
				ResponseStatus: status,
				CreatedAt:      now,
				ExpiresAt:      now.Add(ttl),
			}); err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("Failed to store idempotent response")
			}
		})
	}
}

func scopedIdempotencyKey(r *http.Request) string {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		return ""
	}
	if userID, ok := GetUserID(r.Context()); ok {
		return userID + ":" + key
	}
	return key
}

func replay(w http.ResponseWriter, e *postgres.IdempotencyEntry) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Idempotency-Replayed", "true")
	w.WriteHeader(e.ResponseStatus)
	_, _ = w.Write([]byte(e.ResponseBody))
}

// cappedBuffer stops recording once limit is exceeded and remembers that it did.
type cappedBuffer struct {
	bytes.Buffer
	limit    int
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.overflow {
		return len(p), nil
	}
	if b.Len()+len(p) > b.limit {
		b.overflow = true
		b.Reset()
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
