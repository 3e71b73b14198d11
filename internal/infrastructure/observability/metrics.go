package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Checkout metrics
	SessionsTotal         *prometheus.CounterVec
	ConfirmationDuration  *prometheus.HistogramVec
	ActiveConfirmations   prometheus.Gauge
	ReconciliationsTotal  *prometheus.CounterVec
	EnrollmentActivations *prometheus.CounterVec
	ValidationMismatches  *prometheus.CounterVec
	ProviderErrors        *prometheus.CounterVec
	SessionsSwept         *prometheus.CounterVec
	LatePayments          *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState    *prometheus.GaugeVec
	CircuitBreakerRequests *prometheus.CounterVec

	// Worker metrics
	WorkerMessagesProcessed  *prometheus.CounterVec
	WorkerProcessingDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkout_sessions_total",
				Help:      "Session state transitions by provider and resulting state",
			},
			[]string{"provider", "state"},
		),
		ConfirmationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "confirmation_duration_seconds",
				Help:      "Time spent asking the provider for a confirmation outcome",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider", "result"},
		),
		ActiveConfirmations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_confirmations",
				Help:      "Number of confirmations currently in flight",
			},
		),
		ReconciliationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Reconciliation results",
			},
			[]string{"result"},
		),
		EnrollmentActivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrollment_activations_total",
				Help:      "Enrollment activation attempts by result",
			},
			[]string{"result"},
		),
		ValidationMismatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_mismatches_total",
				Help:      "Provider outcomes whose amount or currency differed from the session",
			},
			[]string{"provider"},
		),
		ProviderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Provider adapter errors by classified kind",
			},
			[]string{"provider", "kind"},
		),
		SessionsSwept: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_swept_total",
				Help:      "Sessions closed by the abandoned-session sweeper",
			},
			[]string{"reason"},
		),
		LatePayments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "late_payments_total",
				Help:      "Payments the provider settled after the session had already timed out",
			},
			[]string{"provider"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		CircuitBreakerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_requests_total",
				Help:      "Total number of circuit breaker requests",
			},
			[]string{"name", "result"},
		),
		WorkerMessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_messages_processed_total",
				Help:      "Total number of worker messages processed",
			},
			[]string{"stream", "status"},
		),
		WorkerProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_processing_duration_seconds",
				Help:      "Worker message processing duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stream"},
		),
	}

	factory.MustRegister(
		m.SessionsTotal,
		m.ConfirmationDuration,
		m.ActiveConfirmations,
		m.ReconciliationsTotal,
		m.EnrollmentActivations,
		m.ValidationMismatches,
		m.ProviderErrors,
		m.SessionsSwept,
		m.LatePayments,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerRequests,
		m.WorkerMessagesProcessed,
		m.WorkerProcessingDuration,
	)

	return m
}

// The helpers below are safe on a nil *Metrics so services can run without metrics.

func (m *Metrics) SessionTransition(provider, state string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(provider, state).Inc()
}

func (m *Metrics) ObserveConfirmation(provider, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ConfirmationDuration.WithLabelValues(provider, result).Observe(d.Seconds())
}

// TrackConfirmation increments the in-flight gauge and returns the matching decrement.
func (m *Metrics) TrackConfirmation() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveConfirmations.Inc()
	return m.ActiveConfirmations.Dec
}

func (m *Metrics) Reconciliation(result string) {
	if m == nil {
		return
	}
	m.ReconciliationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) EnrollmentActivation(result string) {
	if m == nil {
		return
	}
	m.EnrollmentActivations.WithLabelValues(result).Inc()
}

func (m *Metrics) ValidationMismatch(provider string) {
	if m == nil {
		return
	}
	m.ValidationMismatches.WithLabelValues(provider).Inc()
}

func (m *Metrics) ProviderError(provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, kind).Inc()
}

func (m *Metrics) SessionSwept(reason string) {
	if m == nil {
		return
	}
	m.SessionsSwept.WithLabelValues(reason).Inc()
}

// LatePayment counts money taken for a session that is already failed.
func (m *Metrics) LatePayment(provider string) {
	if m == nil {
		return
	}
	m.LatePayments.WithLabelValues(provider).Inc()
}

// BreakerState records a breaker state using the 0/1/2 encoding of the gauge help text.
func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) BreakerRequest(name, result string) {
	if m == nil {
		return
	}
	m.CircuitBreakerRequests.WithLabelValues(name, result).Inc()
}

func (m *Metrics) WorkerMessage(stream, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.WorkerMessagesProcessed.WithLabelValues(stream, status).Inc()
	m.WorkerProcessingDuration.WithLabelValues(stream).Observe(d.Seconds())
}
