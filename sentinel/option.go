package sentinel

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/web3tea/activity-sentinel/guard"
	"github.com/web3tea/activity-sentinel/metrics"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type Option func(*Sentinel)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sentinel) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sentinel) {
		s.Metrics = m
	}
}

// WithGuard runs g alongside the subscription. Its emergency hook should be
// Sentinel.OnEmergency.
func WithGuard(g *guard.Guard) Option {
	return func(s *Sentinel) {
		s.Guard = g
	}
}

// WithSubscriptionRetryDelay sets the fixed wait between subscription attempts.
func WithSubscriptionRetryDelay(delay time.Duration) Option {
	return func(s *Sentinel) {
		if delay > 0 {
			s.subscriptionRetryDelay = delay
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Sentinel) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(s *Sentinel) {
		if p != nil {
			s.propagator = p
		}
	}
}
