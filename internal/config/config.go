package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Checkout       CheckoutConfig       `mapstructure:"checkout"`
	Providers      ProvidersConfig      `mapstructure:"providers"`
	Platform       PlatformConfig       `mapstructure:"platform"`
	Worker         WorkerConfig         `mapstructure:"worker"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	InstanceID     string               `mapstructure:"instance_id"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

// RedisConfig holds Redis configuration. When disabled the API confirms
// webhooks inline and uses the in-process confirmation guard.
type RedisConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	PoolSize          int           `mapstructure:"pool_size"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Guard backends for the confirmation guard.
const (
	GuardLocal = "local"
	GuardRedis = "redis"
)

// CheckoutConfig holds the session lifecycle settings
type CheckoutConfig struct {
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	ConfirmingTTL  time.Duration `mapstructure:"confirming_ttl"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	Guard          string        `mapstructure:"guard"`
}

type ProvidersConfig struct {
	Stripe StripeConfig `mapstructure:"stripe"`
	PayPal PayPalConfig `mapstructure:"paypal"`
}

type StripeConfig struct {
	SecretKey         string `mapstructure:"secret_key"`
	WebhookSecret     string `mapstructure:"webhook_secret"`
	SuccessURL        string `mapstructure:"success_url"`
	CancelURL         string `mapstructure:"cancel_url"`
	APIURL            string `mapstructure:"api_url"`
	MaxNetworkRetries int64  `mapstructure:"max_network_retries"`
	// CheckoutExpiry bounds how long a hosted checkout page stays payable.
	// Stripe accepts 30m to 24h.
	CheckoutExpiry time.Duration `mapstructure:"checkout_expiry"`
}

// Configured reports whether Stripe credentials are present.
func (c StripeConfig) Configured() bool { return c.SecretKey != "" }

type PayPalConfig struct {
	ClientID  string `mapstructure:"client_id"`
	Secret    string `mapstructure:"secret"`
	APIURL    string `mapstructure:"api_url"`
	ReturnURL string `mapstructure:"return_url"`
	CancelURL string `mapstructure:"cancel_url"`
	BrandName string `mapstructure:"brand_name"`
}

// Configured reports whether PayPal credentials are present.
func (c PayPalConfig) Configured() bool { return c.ClientID != "" && c.Secret != "" }

// PlatformConfig points at the course platform backend
type PlatformConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIToken   string        `mapstructure:"api_token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// WorkerConfig holds worker processing configuration
type WorkerConfig struct {
	BatchSize          int64         `mapstructure:"batch_size"`
	BlockDuration      time.Duration `mapstructure:"block_duration"`
	OutboxPollInterval time.Duration `mapstructure:"outbox_poll_interval"`
	ConsumerGroup      string        `mapstructure:"consumer_group"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	// MetricsAddr serves /metrics for the worker. Empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"` // json or console
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

// CircuitBreakerConfig is shared by the provider adapters and the platform client
type CircuitBreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// Load reads configuration from environment variables and config files
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// COURSEPAY_PROVIDERS_STRIPE_SECRET_KEY -> providers.stripe.secret_key
	v.SetEnvPrefix("COURSEPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/coursepay")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that required configuration fields have valid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Enabled && c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}

	if c.Checkout.ConfirmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("checkout.confirm_timeout must be positive"))
	}
	if c.Checkout.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("checkout.session_ttl must be positive"))
	}
	if c.Checkout.ConfirmingTTL <= 0 {
		errs = append(errs, fmt.Errorf("checkout.confirming_ttl must be positive"))
	}
	if c.Checkout.LockTTL <= c.Checkout.ConfirmTimeout {
		errs = append(errs, fmt.Errorf("checkout.lock_ttl must exceed checkout.confirm_timeout"))
	}
	switch c.Checkout.Guard {
	case GuardLocal:
	case GuardRedis:
		if !c.Redis.Enabled {
			errs = append(errs, fmt.Errorf("checkout.guard=redis requires redis.enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkout.guard must be %q or %q, got %q", GuardLocal, GuardRedis, c.Checkout.Guard))
	}

	if !c.Providers.Stripe.Configured() && !c.Providers.PayPal.Configured() {
		errs = append(errs, fmt.Errorf("at least one of providers.stripe or providers.paypal must be configured"))
	}
	if c.Providers.Stripe.Configured() && c.Providers.Stripe.SuccessURL == "" {
		errs = append(errs, fmt.Errorf("providers.stripe.success_url is required"))
	}
	if e := c.Providers.Stripe.CheckoutExpiry; e != 0 && (e < 30*time.Minute || e > 24*time.Hour) {
		errs = append(errs, fmt.Errorf("providers.stripe.checkout_expiry must be between 30m and 24h, got %s", e))
	}
	if c.Providers.PayPal.Configured() && c.Providers.PayPal.ReturnURL == "" {
		errs = append(errs, fmt.Errorf("providers.paypal.return_url is required"))
	}

	if c.Platform.BaseURL == "" {
		errs = append(errs, fmt.Errorf("platform.base_url is required"))
	}
	if c.Platform.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("platform.timeout must be positive"))
	}

	if c.Worker.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("worker.batch_size must be positive"))
	}
	if c.Worker.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("worker.sweep_interval must be positive"))
	}
	if c.Worker.OutboxPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("worker.outbox_poll_interval must be positive"))
	}

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, fmt.Errorf("auth.jwt_secret required in production"))
		}
		if c.Providers.Stripe.Configured() && c.Providers.Stripe.WebhookSecret == "" {
			errs = append(errs, fmt.Errorf("providers.stripe.webhook_secret required in production"))
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 32 characters"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "coursepay")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "coursepay")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	v.SetDefault("auth.jwt_secret", "")

	// Checkout defaults
	v.SetDefault("checkout.confirm_timeout", "10s")
	v.SetDefault("checkout.session_ttl", "30m")
	v.SetDefault("checkout.confirming_ttl", "15m")
	v.SetDefault("checkout.lock_ttl", "30s")
	v.SetDefault("checkout.guard", GuardRedis)

	// Provider defaults. Empty credentials leave a provider unconfigured.
	v.SetDefault("providers.stripe.secret_key", "")
	v.SetDefault("providers.stripe.webhook_secret", "")
	v.SetDefault("providers.stripe.success_url", "http://localhost:8080/api/v1/checkout/return")
	v.SetDefault("providers.stripe.cancel_url", "http://localhost:8080/api/v1/checkout/return")
	v.SetDefault("providers.stripe.api_url", "")
	v.SetDefault("providers.stripe.max_network_retries", 2)
	v.SetDefault("providers.stripe.checkout_expiry", "1h")
	v.SetDefault("providers.paypal.client_id", "")
	v.SetDefault("providers.paypal.secret", "")
	v.SetDefault("providers.paypal.api_url", "https://api-m.sandbox.paypal.com")
	v.SetDefault("providers.paypal.return_url", "http://localhost:8080/api/v1/checkout/return")
	v.SetDefault("providers.paypal.cancel_url", "http://localhost:8080/api/v1/checkout/return")
	v.SetDefault("providers.paypal.brand_name", "Courses")

	// Platform backend defaults
	v.SetDefault("platform.base_url", "http://localhost:3000/api")
	v.SetDefault("platform.api_token", "")
	v.SetDefault("platform.timeout", "5s")
	v.SetDefault("platform.max_retries", 3)
	v.SetDefault("platform.retry_delay", "200ms")

	// Worker defaults
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.block_duration", "1s")
	v.SetDefault("worker.outbox_poll_interval", "2s")
	v.SetDefault("worker.consumer_group", "checkout-workers")
	v.SetDefault("worker.sweep_interval", "1m")
	v.SetDefault("worker.idempotency_ttl", "24h")
	v.SetDefault("worker.cleanup_interval", "1h")
	v.SetDefault("worker.metrics_addr", ":9091")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", true)

	// Circuit breaker defaults
	v.SetDefault("circuit_breaker.max_requests", 3)
	v.SetDefault("circuit_breaker.interval", "10s")
	v.SetDefault("circuit_breaker.timeout", "30s")
	v.SetDefault("circuit_breaker.min_requests", 5)
	v.SetDefault("circuit_breaker.failure_ratio", 0.6)

	v.SetDefault("instance_id", "coursepay-1")
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseURL returns the URL form used by golang-migrate
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
