// Package broker carries mediator traffic over a partitioned-log broker:
// requests and replies are correlated through an ephemeral reply channel,
// notifications fan out through per-process consumer groups.
package broker

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shortlink-org/go-mediator/bus"
	"github.com/shortlink-org/go-mediator/config"
	"github.com/shortlink-org/go-mediator/dedup"
	wm "github.com/shortlink-org/go-mediator/watermill"
)

var (
	ErrClosed          = errors.New("broker: dispatcher closed")
	ErrNilBackend      = errors.New("broker: backend is nil")
	ErrListenerStopped = errors.New("broker: listener stopped before it was running")
)

// Option configures a Dispatcher or an InboundManager.
type Option func(*settings)

type settings struct {
	options   bus.Options
	cfg       *config.Config
	metrics   *bus.Metrics
	meter     metric.MeterProvider
	tracer    trace.TracerProvider
	store     dedup.Store
	wmOptions []wm.Option
}

func newSettings(opts []Option) (*settings, error) {
	s := &settings{options: bus.DefaultOptions()}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.cfg == nil {
		cfg, err := config.New()
		if err != nil {
			return nil, err
		}

		s.cfg = cfg
	}

	s.wmOptions = append(s.wmOptions, wm.WithSharedBackend())

	return s, nil
}

// WithOptions sets namespace, timeouts, groups and dedup behaviour.
func WithOptions(options bus.Options) Option {
	return func(s *settings) {
		s.options = options.WithDefaults()
	}
}

// WithConfig supplies the config the router middlewares read.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) {
		s.cfg = cfg
	}
}

func WithMetrics(metrics *bus.Metrics) Option {
	return func(s *settings) {
		s.metrics = metrics
	}
}

// WithTelemetry sets the providers used by the router middlewares.
func WithTelemetry(meter metric.MeterProvider, tracer trace.TracerProvider) Option {
	return func(s *settings) {
		s.meter = meter
		s.tracer = tracer
	}
}

// WithDedupStore replaces the in-memory dedup store. The caller keeps
// ownership of store.
func WithDedupStore(store dedup.Store) Option {
	return func(s *settings) {
		s.store = store
	}
}

func WithRouterOptions(opts ...wm.Option) Option {
	return func(s *settings) {
		s.wmOptions = append(s.wmOptions, opts...)
	}
}
