package controller

import (
	"net/http"
	"time"

	"github.com/cassiomorais/coursepay/internal/config"
	"github.com/cassiomorais/coursepay/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/coursepay/internal/middleware"
	"github.com/cassiomorais/coursepay/internal/providers"
	"github.com/cassiomorais/coursepay/internal/service"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultStartRateLimit = 30

type RouterDeps struct {
	Pool             *pgxpool.Pool
	RedisClient      *redis.Client
	CheckoutService  *service.CheckoutService
	SessionService   *service.SessionService
	HistoryService   *service.HistoryService
	StripeWebhooks   providers.WebhookParser
	WebhookPublisher WebhookPublisher
	IdempotencyStore customMW.IdempotencyStore
	IdempotencyTTL   time.Duration
	Metrics          *observability.Metrics
	// MetricsHandler serves /metrics; promhttp.Handler() when nil.
	MetricsHandler http.Handler
	CORSConfig     config.CORSConfig
	JWTSecret      string
	// StartRateLimit caps checkout creations per user per minute.
	StartRateLimit int
	Logger         zerolog.Logger
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(customMW.Metrics(deps.Metrics))

	healthH := NewHealthController(deps.Pool, deps.RedisClient)
	checkoutH := NewCheckoutController(deps.CheckoutService)
	historyH := NewHistoryController(deps.HistoryService)
	webhookH := NewWebhookController(deps.StripeWebhooks, deps.WebhookPublisher, deps.SessionService, deps.Logger)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	// Provider webhooks are verified by signature.
	r.Post("/webhooks/stripe", webhookH.Stripe)

	rateLimit := deps.StartRateLimit
	if rateLimit <= 0 {
		rateLimit = defaultStartRateLimit
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(customMW.RequireAuth(deps.JWTSecret))

		r.Get("/checkout/providers", checkoutH.Providers)

		startChain := []func(http.Handler) http.Handler{customMW.RateLimit(rateLimit)}
		if deps.IdempotencyStore != nil {
			startChain = append(startChain, customMW.Idempotency(deps.IdempotencyStore, deps.IdempotencyTTL))
		}
		r.With(startChain...).Post("/checkout/sessions", checkoutH.Start)
		r.Get("/checkout/sessions/{id}", checkoutH.Get)
		r.Post("/checkout/sessions/{id}/cancel", checkoutH.Cancel)
		r.Post("/checkout/sessions/{id}/approve", checkoutH.Approve)
		r.Post("/checkout/sessions/{id}/poll", checkoutH.Poll)
		r.Get("/checkout/return", checkoutH.Return)

		r.Get("/payments/history", historyH.List)
	})

	return r
}
