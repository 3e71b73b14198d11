package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cassiomorais/coursepay/internal/config"
	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	"github.com/sony/gobreaker/v2"
)

// BreakerSettings tunes the per-adapter circuit breakers.
type BreakerSettings struct {
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	MinRequests   uint32
	FailureRatio  float64
	OnStateChange func(name string, from, to gobreaker.State)
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     10 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// BreakerSettingsFromConfig maps the circuit_breaker config section.
func BreakerSettingsFromConfig(cfg config.CircuitBreakerConfig) BreakerSettings {
	s := DefaultBreakerSettings()
	if cfg.MaxRequests > 0 {
		s.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		s.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		s.Timeout = cfg.Timeout
	}
	if cfg.MinRequests > 0 {
		s.MinRequests = cfg.MinRequests
	}
	if cfg.FailureRatio > 0 {
		s.FailureRatio = cfg.FailureRatio
	}
	return s
}

func (s BreakerSettings) gobreaker(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:          name,
		MaxRequests:   s.MaxRequests,
		Interval:      s.Interval,
		Timeout:       s.Timeout,
		OnStateChange: s.OnStateChange,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		IsSuccessful: breakerSuccess,
	}
}

// breakerSuccess counts only provider health problems as failures. A decline
// or a bad reference means the provider answered.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, domainErrors.ErrProviderDeclined) ||
		errors.Is(err, domainErrors.ErrValidationMismatch) ||
		errors.Is(err, domainErrors.ErrInvalidInput) ||
		errors.Is(err, context.Canceled)
}

// Factory holds the registered adapters, each behind its own circuit breaker.
type Factory struct {
	settings BreakerSettings
	adapters map[session.Provider]Adapter
	breakers map[session.Provider]*gobreaker.CircuitBreaker[any]
	order    []session.Provider
}

func NewFactory(settings BreakerSettings, adapters ...Adapter) *Factory {
	f := &Factory{
		settings: settings,
		adapters: make(map[session.Provider]Adapter),
		breakers: make(map[session.Provider]*gobreaker.CircuitBreaker[any]),
	}
	for _, a := range adapters {
		f.Register(a)
	}
	return f
}

// Register adds or replaces an adapter. Unconfigured adapters are kept but never offered.
func (f *Factory) Register(a Adapter) {
	name := a.Name()
	if _, exists := f.adapters[name]; !exists {
		f.order = append(f.order, name)
	}
	cb := gobreaker.NewCircuitBreaker[any](f.settings.gobreaker(string(name)))
	f.breakers[name] = cb
	f.adapters[name] = &guardedAdapter{Adapter: a, cb: cb}
}

// Get returns the breaker-guarded adapter for a configured provider.
func (f *Factory) Get(name session.Provider) (Adapter, error) {
	a, ok := f.adapters[name]
	if !ok || !a.Configured() {
		return nil, fmt.Errorf("provider %q is not configured: %w", name, domainErrors.ErrProviderUnavailable)
	}
	return a, nil
}

// Available lists configured providers, redirect providers first.
func (f *Factory) Available() []session.Provider {
	out := make([]session.Provider, 0, len(f.order))
	for _, name := range f.order {
		if f.adapters[name].Configured() {
			out = append(out, name)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return f.adapters[out[i]].Kind() == KindRedirect && f.adapters[out[j]].Kind() != KindRedirect
	})
	return out
}

// Default is the provider used when the caller does not pick one.
func (f *Factory) Default() (session.Provider, error) {
	available := f.Available()
	if len(available) == 0 {
		return "", fmt.Errorf("no payment provider configured: %w", domainErrors.ErrProviderUnavailable)
	}
	return available[0], nil
}

// Alternate returns another configured provider whose breaker is not open.
func (f *Factory) Alternate(name session.Provider) (session.Provider, bool) {
	for _, p := range f.Available() {
		if p != name && f.breakers[p].State() != gobreaker.StateOpen {
			return p, true
		}
	}
	return "", false
}

// BreakerState reports the breaker state for a provider.
func (f *Factory) BreakerState(name session.Provider) gobreaker.State {
	cb, ok := f.breakers[name]
	if !ok {
		return gobreaker.StateOpen
	}
	return cb.State()
}

type guardedAdapter struct {
	Adapter
	cb *gobreaker.CircuitBreaker[any]
}

func (g *guardedAdapter) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	return execute(g.cb, g.Name(), func() (*Intent, error) {
		return g.Adapter.CreateIntent(ctx, req)
	})
}

func (g *guardedAdapter) Status(ctx context.Context, reference string) (*Outcome, error) {
	return execute(g.cb, g.Name(), func() (*Outcome, error) {
		return g.Adapter.Status(ctx, reference)
	})
}

func (g *guardedAdapter) Confirm(ctx context.Context, reference string) (*Outcome, error) {
	return execute(g.cb, g.Name(), func() (*Outcome, error) {
		return g.Adapter.Confirm(ctx, reference)
	})
}

func (g *guardedAdapter) Void(ctx context.Context, reference string) error {
	_, err := execute(g.cb, g.Name(), func() (struct{}, error) {
		return struct{}{}, g.Adapter.Void(ctx, reference)
	})
	return err
}

// Unwrap exposes the underlying adapter, e.g. to reach a WebhookParser.
func (g *guardedAdapter) Unwrap() Adapter { return g.Adapter }

func execute[T any](cb *gobreaker.CircuitBreaker[any], name session.Provider, fn func() (T, error)) (T, error) {
	var zero T
	res, err := cb.Execute(func() (any, error) {
		v, err := fn()
		return v, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%s circuit breaker: %v: %w", name, err, domainErrors.ErrProviderUnavailable)
		}
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}
