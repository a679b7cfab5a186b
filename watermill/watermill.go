// Package watermill wires a broker backend into a Watermill router carrying
// the recovery, timeout, tracing and metrics middlewares of the transports.
package watermill

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shortlink-org/go-mediator/config"
	"github.com/shortlink-org/go-mediator/logger"
)

var ErrNilBackend = errors.New("watermill: backend is nil")

// SubscribeOptions select the delivery semantics of a subscriber.
// Readers sharing a ConsumerGroup compete for messages; distinct groups
// each receive every message.
type SubscribeOptions struct {
	ConsumerGroup string
	FromOldest    bool
}

// Backend is a broker implementation (Kafka, NATS, in-memory).
type Backend interface {
	Publisher() message.Publisher
	Subscriber(opts SubscribeOptions) (message.Subscriber, error)
	EnsureTopic(ctx context.Context, topic string) error
	DeleteTopic(ctx context.Context, topic string) error
	Close() error
}

// Client owns the router and the instrumented publisher of one node.
type Client struct {
	Router    *message.Router
	Publisher message.Publisher
	backend   Backend
	shared    bool
}

// New creates the router with the base middlewares plus OTEL tracing and
// metrics. Nil providers fall back to the global ones.
func New(
	log logger.Logger,
	cfg *config.Config,
	backend Backend,
	meterProvider metric.MeterProvider,
	tracerProvider trace.TracerProvider,
	options ...Option,
) (*Client, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}

	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}

	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}

	optsCfg := defaultOptions(cfg)
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(&optsCfg)
	}

	wmLogger := NewWatermillLogger(log)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: optsCfg.CloseTimeout}, wmLogger)
	if err != nil {
		return nil, err
	}

	configureBaseMiddlewares(router, log, optsCfg)

	otelMW := NewOTELMiddleware(tracerProvider)
	router.AddMiddleware(otelMW.HandlerMiddleware())

	metricsMW, err := NewMetricsMiddleware(log, meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
	}

	router.AddMiddleware(metricsMW.HandlerMiddleware())

	return &Client{
		Router:    router,
		Publisher: metricsMW.PublisherWrapper(backend.Publisher(), otelMW),
		backend:   backend,
		shared:    optsCfg.SharedBackend,
	}, nil
}

func (c *Client) Subscriber(opts SubscribeOptions) (message.Subscriber, error) {
	return c.backend.Subscriber(opts)
}

func (c *Client) EnsureTopic(ctx context.Context, topic string) error {
	return c.backend.EnsureTopic(ctx, topic)
}

func (c *Client) DeleteTopic(ctx context.Context, topic string) error {
	return c.backend.DeleteTopic(ctx, topic)
}

// Close stops the router, then the backend unless it is shared, collecting
// all errors.
func (c *Client) Close() error {
	var errs *multierror.Error

	if c.Router != nil {
		if err := c.Router.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close router: %w", err))
		}
	}

	if c.backend != nil && !c.shared {
		if err := c.backend.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close backend: %w", err))
		}
	}

	return errs.ErrorOrNil()
}
