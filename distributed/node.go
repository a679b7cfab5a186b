// Package distributed assembles a fleet node: the transport chosen by
// MEDIATOR_TRANSPORT, its inbound side, the dedup store and the guard-aware
// mediator handed to application code.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"google.golang.org/grpc"

	"github.com/shortlink-org/go-mediator/bus"
	"github.com/shortlink-org/go-mediator/config"
	"github.com/shortlink-org/go-mediator/dedup"
	"github.com/shortlink-org/go-mediator/logger"
	"github.com/shortlink-org/go-mediator/mediator"
	"github.com/shortlink-org/go-mediator/registry"
	"github.com/shortlink-org/go-mediator/transport/broker"
	"github.com/shortlink-org/go-mediator/transport/rpc"
	wm "github.com/shortlink-org/go-mediator/watermill"
	"github.com/shortlink-org/go-mediator/watermill/backends/kafka"
	"github.com/shortlink-org/go-mediator/watermill/backends/nats"
)

var ErrNotReady = errors.New("distributed: inbound side is not running")

// Option configures New.
type Option func(*settings)

type settings struct {
	backend     wm.Backend
	meter       metric.MeterProvider
	tracer      trace.TracerProvider
	prom        *prometheus.Registry
	listener    net.Listener
	dialOptions []grpc.DialOption
}

// WithBackend uses backend instead of the one MEDIATOR_BROKER_TYPE selects.
// The caller keeps ownership of it.
func WithBackend(backend wm.Backend) Option {
	return func(s *settings) {
		s.backend = backend
	}
}

func WithTelemetry(meter metric.MeterProvider, tracer trace.TracerProvider) Option {
	return func(s *settings) {
		s.meter = meter
		s.tracer = tracer
	}
}

// WithPrometheus registers gRPC server and health metrics on prom. Without
// WithTelemetry the mediator and broker instruments are exported there too.
func WithPrometheus(prom *prometheus.Registry) Option {
	return func(s *settings) {
		s.prom = prom
	}
}

// WithRPCListener serves the RPC transport on lis.
func WithRPCListener(lis net.Listener) Option {
	return func(s *settings) {
		s.listener = lis
	}
}

// WithRPCDialOptions appends options to every outbound RPC connection.
func WithRPCDialOptions(opts ...grpc.DialOption) Option {
	return func(s *settings) {
		s.dialOptions = append(s.dialOptions, opts...)
	}
}

// Node is one process of the fleet.
type Node struct {
	log     logger.Logger
	cfg     *config.Config
	options bus.Options
	prom    *prometheus.Registry

	dispatcher bus.Dispatcher
	mediator   *bus.Mediator

	backend       wm.Backend
	ownsBackend   bool
	store         dedup.Store
	inbound       *broker.InboundManager
	server        *rpc.Server
	serving       atomic.Bool
	meterProvider *sdkmetric.MeterProvider

	healthOnce sync.Once
	health     healthcheck.Handler

	closeOnce sync.Once
	closeErr  error
}

// New builds a node for the local mediator from MEDIATOR_* settings. Routes
// must be registered on reg before New is called.
func New(
	ctx context.Context,
	log logger.Logger,
	cfg *config.Config,
	reg *registry.Registry,
	local mediator.Mediator,
	opts ...Option,
) (*Node, error) {
	s := &settings{}
	for _, opt := range opts {
		opt(s)
	}

	if s.tracer == nil {
		s.tracer = otel.GetTracerProvider()
	}

	options, err := bus.LoadOptions(cfg)
	if err != nil {
		return nil, err
	}

	n := &Node{
		log:     log,
		cfg:     cfg,
		options: options,
		prom:    s.prom,
	}

	if s.prom != nil {
		if err = registerBuildInfo(s.prom); err != nil {
			return nil, err
		}

		if s.meter == nil {
			n.meterProvider, err = newPrometheusMeter(s.prom)
			if err != nil {
				return nil, err
			}

			s.meter = n.meterProvider
		}
	}

	if s.meter == nil {
		s.meter = otel.GetMeterProvider()
	}

	metrics := bus.NewMetrics(log, s.meter)

	switch options.Transport {
	case bus.TransportRPC:
		err = n.useRPC(ctx, reg, local, metrics, s)
	default:
		err = n.useBroker(ctx, reg, local, metrics, s)
	}

	if err != nil {
		_ = n.Close()
		return nil, err
	}

	log.Info("Mediator node ready",
		slog.String("transport", options.Transport),
		slog.String("identity", options.Identity),
	)

	return n, nil
}

func (n *Node) useBroker(
	ctx context.Context,
	reg *registry.Registry,
	local mediator.Mediator,
	metrics *bus.Metrics,
	s *settings,
) error {
	n.backend = s.backend

	if n.backend == nil {
		backend, err := n.newBackend()
		if err != nil {
			return err
		}

		n.backend = backend
		n.ownsBackend = true
	}

	brokerOpts := []broker.Option{
		broker.WithOptions(n.options),
		broker.WithConfig(n.cfg),
		broker.WithMetrics(metrics),
		broker.WithTelemetry(s.meter, s.tracer),
	}

	if n.options.DedupEnabled {
		store, err := dedup.NewFromConfig(n.cfg, n.options.Identity, s.tracer, s.meter)
		if err != nil {
			return err
		}

		n.store = store
		brokerOpts = append(brokerOpts, broker.WithDedupStore(store))
	}

	dispatcher, err := broker.NewDispatcher(ctx, n.backend, reg, n.log, brokerOpts...)
	if err != nil {
		return err
	}

	n.dispatcher = dispatcher
	n.mediator = bus.NewMediator(local, dispatcher, n.log, metrics)

	n.inbound, err = broker.NewInboundManager(n.backend, reg, n.mediator, n.log, brokerOpts...)

	return err
}

func (n *Node) newBackend() (wm.Backend, error) {
	switch n.options.BrokerType {
	case bus.BrokerNATS:
		backend, err := nats.New(n.log, nats.ConfigFrom(n.cfg))
		if err != nil {
			return nil, err
		}

		return backend, nil
	case bus.BrokerKafka:
		backend, err := kafka.New(n.log, n.cfg)
		if err != nil {
			return nil, err
		}

		return backend, nil
	default:
		return nil, fmt.Errorf("distributed: unsupported broker %q", n.options.BrokerType)
	}
}

func (n *Node) useRPC(
	ctx context.Context,
	reg *registry.Registry,
	local mediator.Mediator,
	metrics *bus.Metrics,
	s *settings,
) error {
	dispatcher, err := rpc.NewDispatcher(reg, n.log,
		rpc.WithOptions(n.options),
		rpc.WithMetrics(metrics),
		rpc.WithTelemetry(s.meter, s.tracer),
		rpc.WithDialOptions(s.dialOptions...),
	)
	if err != nil {
		return err
	}

	n.dispatcher = dispatcher
	n.mediator = bus.NewMediator(local, dispatcher, n.log, metrics)

	inbound := rpc.NewInboundManager(reg, n.mediator, n.log,
		rpc.WithInboundSerializer(n.options.Serializer),
		rpc.WithInboundMetrics(metrics),
	)

	serverOpts := []rpc.ServerOption{rpc.WithServerTracer(s.tracer)}

	if s.prom != nil {
		serverOpts = append(serverOpts, rpc.WithPrometheus(s.prom))
	}

	if s.listener != nil {
		serverOpts = append(serverOpts, rpc.WithListener(s.listener))
	}

	n.server, err = rpc.NewServer(ctx, n.log, n.cfg, inbound, serverOpts...)

	return err
}

// Dispatcher sends requests and notifications to the fleet.
func (n *Node) Dispatcher() bus.Dispatcher {
	return n.dispatcher
}

// Mediator is the local mediator whose Publish also reaches the fleet.
func (n *Node) Mediator() *bus.Mediator {
	return n.mediator
}

// Run serves inbound traffic until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if n.server != nil {
		n.serving.Store(true)
		defer n.serving.Store(false)

		return n.server.Run(ctx)
	}

	return n.inbound.Run(ctx)
}

// Ready reports whether inbound traffic is being served.
func (n *Node) Ready() bool {
	if n.inbound != nil {
		return n.inbound.Running()
	}

	return n.serving.Load()
}

// HealthHandler serves /live and /ready. The handler is built once.
func (n *Node) HealthHandler() http.Handler {
	n.healthOnce.Do(n.buildHealth)

	return n.health
}

func (n *Node) buildHealth() {
	n.cfg.SetDefault("MEDIATOR_HEALTH_GOROUTINE_THRESHOLD", 10000)

	var health healthcheck.Handler
	if n.prom != nil {
		health = healthcheck.NewMetricsHandler(n.prom, n.options.Namespace)
	} else {
		health = healthcheck.NewHandler()
	}

	health.AddLivenessCheck("goroutine-threshold",
		healthcheck.GoroutineCountCheck(n.cfg.GetInt("MEDIATOR_HEALTH_GOROUTINE_THRESHOLD")))

	health.AddReadinessCheck("mediator-inbound", func() error {
		if !n.Ready() {
			return ErrNotReady
		}

		return nil
	})

	n.health = health
}

// Close stops the inbound side, then the dispatcher, then owned resources.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		var errs *multierror.Error

		if n.inbound != nil {
			if err := n.inbound.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}

		if n.server != nil {
			if err := n.server.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}

		if n.dispatcher != nil {
			if err := n.dispatcher.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}

		if n.store != nil {
			if err := n.store.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}

		if n.ownsBackend && n.backend != nil {
			if err := n.backend.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}

		if err := n.shutdownMeter(); err != nil {
			errs = multierror.Append(errs, err)
		}

		n.closeErr = errs.ErrorOrNil()
	})

	return n.closeErr
}
