package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const readinessTimeout = 2 * time.Second

type dependencyCheck struct {
	name string
	ping func(ctx context.Context) error
}

type HealthController struct {
	checks []dependencyCheck
}

// NewHealthController builds the liveness and readiness endpoints. Nil dependencies are left
// out of readiness: redis is optional when the API confirms webhooks inline.
func NewHealthController(pool *pgxpool.Pool, rdb *redis.Client) *HealthController {
	h := &HealthController{}
	if pool != nil {
		h.checks = append(h.checks, dependencyCheck{"postgres", pool.Ping})
	}
	if rdb != nil {
		h.checks = append(h.checks, dependencyCheck{"redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return h
}

// HealthResponse is the body of every health endpoint.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *HealthController) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *HealthController) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "alive"})
}

// Readiness pings every dependency and reports each result. Any failure
// makes the instance not ready.
func (h *HealthController) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	for _, c := range h.checks {
		if err := c.ping(ctx); err != nil {
			resp.Checks[c.name] = "unavailable"
			resp.Status = "not ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.name] = "ok"
	}
	writeJSON(w, status, resp)
}
