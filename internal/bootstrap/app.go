package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/cassiomorais/coursepay/internal/config"
	"github.com/cassiomorais/coursepay/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/coursepay/internal/infrastructure/redis"
	"github.com/cassiomorais/coursepay/internal/platform"
	"github.com/cassiomorais/coursepay/internal/providers"
	"github.com/cassiomorais/coursepay/internal/repository/postgres"
	"github.com/cassiomorais/coursepay/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// App holds the infrastructure shared by the api and worker binaries.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client // nil when redis.enabled is false
	Metrics *observability.Metrics
}

// Services is the checkout object graph built on top of an App.
type Services struct {
	SessionRepo     *postgres.SessionRepository
	OutboxRepo      *postgres.OutboxRepository
	IdempotencyRepo *postgres.IdempotencyRepository
	TxManager       *postgres.TxManager
	Providers       *providers.Factory
	Stripe          *providers.StripeAdapter // nil when Stripe is not configured
	Backend         *platform.Client
	Reconciler      *service.ReconciliationService
	Sessions        *service.SessionService
	Checkout        *service.CheckoutService
	History         *service.HistoryService
	Sweeper         *service.Sweeper
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout).
		With().Str("service", serviceName).Str("instance", cfg.InstanceID).Logger()
	logger.Info().Msg("Starting")

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			go func() {
				<-ctx.Done()
				observability.Shutdown(context.Background(), tp)
			}()
			logger.Info().Msg("Tracing enabled")
		}
	}

	var metrics *observability.Metrics
	if cfg.Observability.EnableMetrics {
		metrics = observability.NewMetrics(metricsNamespace, nil)
		logger.Info().Msg("Metrics initialized")
	}

	pool, err := postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = infraRedis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info().Msg("Connected to Redis")
	} else {
		logger.Warn().Msg("Redis disabled, webhooks are confirmed inline")
	}

	return &App{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: metrics,
	}, nil
}

// Guard returns the confirmation guard selected by checkout.guard.
func (a *App) Guard() service.Guard {
	if a.Config.Checkout.Guard == config.GuardRedis && a.Redis != nil {
		return infraRedis.NewGuard(a.Redis, a.Config.Checkout.LockTTL, a.Logger)
	}
	return service.NewLocalGuard()
}

// Services wires repositories, provider adapters, the platform client and
// the checkout services.
func (a *App) Services() (*Services, error) {
	cfg := a.Config
	onBreaker := func(name string, _, to gobreaker.State) {
		a.Logger.Warn().Str("breaker", name).Str("state", to.String()).Msg("Circuit breaker state changed")
		a.Metrics.BreakerState(name, int(to))
	}

	s := &Services{
		SessionRepo:     postgres.NewSessionRepository(a.Pool),
		OutboxRepo:      postgres.NewOutboxRepository(a.Pool),
		IdempotencyRepo: postgres.NewIdempotencyRepository(a.Pool),
		TxManager:       postgres.NewTxManager(a.Pool),
	}

	settings := providers.BreakerSettingsFromConfig(cfg.CircuitBreaker)
	settings.OnStateChange = onBreaker
	s.Providers = providers.NewFactory(settings)

	if cfg.Providers.Stripe.Configured() {
		s.Stripe = providers.NewStripeAdapter(cfg.Providers.Stripe, nil)
		s.Providers.Register(s.Stripe)
	}
	paypal, err := providers.NewPayPalAdapter(cfg.Providers.PayPal, nil)
	if err != nil {
		return nil, err
	}
	s.Providers.Register(paypal)
	a.Logger.Info().Interface("providers", s.Providers.Available()).Msg("Payment providers registered")

	s.Backend = platform.NewClient(cfg.Platform, cfg.CircuitBreaker,
		platform.WithLogger(a.Logger.With().Str("component", "platform").Logger()),
		platform.WithBreakerStateChange(onBreaker),
	)

	s.Reconciler = service.NewReconciliationService(s.SessionRepo, s.OutboxRepo, s.TxManager, s.Backend, a.Metrics, a.Logger)
	s.Sessions = service.NewSessionService(
		s.SessionRepo, s.OutboxRepo, s.TxManager, s.Providers, s.Backend,
		s.Reconciler, a.Guard(), cfg.Checkout, a.Metrics, a.Logger,
	)
	s.Checkout = service.NewCheckoutService(s.Sessions, s.Providers, a.Logger)
	s.History = service.NewHistoryService(s.Backend, a.Logger)
	s.Sweeper = service.NewSweeper(s.SessionRepo, s.Sessions, a.Metrics, a.Logger)
	return s, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	a.Pool.Close()
}
