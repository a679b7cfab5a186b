package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/timeout"
	"github.com/hashicorp/go-multierror"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/shortlink-org/go-mediator/bus"
	"github.com/shortlink-org/go-mediator/logger"
	"github.com/shortlink-org/go-mediator/message"
	"github.com/shortlink-org/go-mediator/registry"
)

var ErrClosed = errors.New("rpc: dispatcher closed")

const (
	breakerFailureThreshold = 5
	breakerOpenTimeout      = 30 * time.Second
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithOptions sets the serializer, routes and call timeout.
func WithOptions(options bus.Options) Option {
	return func(d *Dispatcher) {
		d.opts = options.WithDefaults()
	}
}

func WithMetrics(metrics *bus.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithTelemetry sets the providers of the otelgrpc client handler.
func WithTelemetry(meter metric.MeterProvider, tracer trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		d.meter = meter
		d.tracer = tracer
	}
}

// WithDialOptions appends options to every destination connection.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(d *Dispatcher) {
		d.dialOptions = append(d.dialOptions, opts...)
	}
}

type connection struct {
	conn    *grpc.ClientConn
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// Dispatcher sends requests round-robin to the destinations of a channel and
// fans notifications out to all of them.
type Dispatcher struct {
	reg     *registry.Registry
	log     logger.Logger
	opts    bus.Options
	metrics *bus.Metrics
	meter   metric.MeterProvider
	tracer  trace.TracerProvider

	dialOptions []grpc.DialOption

	mu      sync.Mutex
	conns   map[string]*connection
	cursors map[string]*atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ bus.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher attaches the configured RPC routes to reg. Connections are
// created on first use.
func NewDispatcher(reg *registry.Registry, log logger.Logger, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		reg:     reg,
		log:     logger.Component(log, "rpc.dispatcher"),
		opts:    bus.DefaultOptions(),
		conns:   make(map[string]*connection),
		cursors: make(map[string]*atomic.Uint64),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.meter == nil {
		d.meter = otel.GetMeterProvider()
	}

	if d.tracer == nil {
		d.tracer = otel.GetTracerProvider()
	}

	for channel, destinations := range d.opts.RPCRoutes {
		if err := reg.AddDestinations(channel, destinations...); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Dispatch makes one unary call to the next destination of the request's
// channel.
func (d *Dispatcher) Dispatch(ctx context.Context, req any) (*message.ResponseMessage, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}

	route, err := d.reg.RequestRoute(req)
	if err != nil {
		return nil, err
	}

	destination, err := d.next(route.Channel)
	if err != nil {
		return nil, err
	}

	body, err := d.opts.Serializer.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: serialize %T: %w", req, err)
	}

	payload, err := message.Encode(message.RequestMessage{
		Body:        string(body),
		ChannelName: route.Channel,
	})
	if err != nil {
		return nil, err
	}

	c, err := d.connection(destination)
	if err != nil {
		return nil, err
	}

	d.metrics.RequestDispatched(ctx, route.Channel)

	raw, err := c.breaker.Execute(func() ([]byte, error) {
		out := new(wrapperspb.BytesValue)
		if err := c.conn.Invoke(ctx, DispatchMethod, wrapperspb.Bytes(payload), out); err != nil {
			return nil, err
		}

		return out.GetValue(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: dispatch to %s: %w", destination.Address, err)
	}

	var response message.ResponseMessage
	if err := message.Decode(raw, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// Notify calls every destination of the notification's channel concurrently
// and joins the failures.
func (d *Dispatcher) Notify(ctx context.Context, n any) error {
	if d.closed.Load() {
		return ErrClosed
	}

	route, err := d.reg.NotificationRoute(n)
	if err != nil {
		return err
	}

	destinations := d.reg.Destinations(route.Channel)
	if len(destinations) == 0 {
		return fmt.Errorf("%w: %s", registry.ErrNoDestination, route.Channel)
	}

	body, err := d.opts.Serializer.Marshal(n)
	if err != nil {
		return fmt.Errorf("rpc: serialize %T: %w", n, err)
	}

	payload, err := message.Encode(message.NotifyMessage{
		Body:        string(body),
		ChannelName: route.Channel,
	})
	if err != nil {
		return err
	}

	failures := make([]error, len(destinations))

	var g errgroup.Group

	for i, destination := range destinations {
		g.Go(func() error {
			failures[i] = d.notify(ctx, destination, payload)
			return nil
		})
	}

	_ = g.Wait()

	var errs *multierror.Error

	delivered := 0

	for _, err := range failures {
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		delivered++
	}

	if delivered > 0 {
		d.metrics.NotificationPublished(ctx, route.Channel)
	}

	return errs.ErrorOrNil()
}

func (d *Dispatcher) notify(ctx context.Context, destination registry.Destination, payload []byte) error {
	c, err := d.connection(destination)
	if err != nil {
		return err
	}

	_, err = c.breaker.Execute(func() ([]byte, error) {
		return nil, c.conn.Invoke(ctx, NotifyMethod, wrapperspb.Bytes(payload), new(emptypb.Empty))
	})
	if err != nil {
		return fmt.Errorf("rpc: notify %s: %w", destination.Address, err)
	}

	return nil
}

func (d *Dispatcher) next(channel string) (registry.Destination, error) {
	destinations := d.reg.Destinations(channel)
	if len(destinations) == 0 {
		return registry.Destination{}, fmt.Errorf("%w: %s", registry.ErrNoDestination, channel)
	}

	d.mu.Lock()
	cursor, ok := d.cursors[channel]
	if !ok {
		cursor = atomic.NewUint64(0)
		d.cursors[channel] = cursor
	}
	d.mu.Unlock()

	idx := (cursor.Inc() - 1) % uint64(len(destinations))

	return destinations[idx], nil
}

func (d *Dispatcher) connection(destination registry.Destination) (*connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed.Load() {
		return nil, ErrClosed
	}

	if c, ok := d.conns[destination.Address]; ok {
		return c, nil
	}

	opts, err := d.dialOptionsFor(destination)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(destination.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("rpc: connect %s: %w", destination.Address, err)
	}

	c := &connection{
		conn:    conn,
		breaker: gobreaker.NewCircuitBreaker[[]byte](d.breakerSettings(destination.Address)),
	}
	d.conns[destination.Address] = c

	return c, nil
}

func (d *Dispatcher) dialOptionsFor(destination registry.Destination) ([]grpc.DialOption, error) {
	callTimeout := destination.Options.Timeout
	if callTimeout <= 0 {
		callTimeout = d.opts.RPCCallTimeout
	}

	opts := []grpc.DialOption{
		grpc.WithChainUnaryInterceptor(
			timeout.UnaryClientInterceptor(callTimeout),
			unaryClientLogger(d.log),
		),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler(
			otelgrpc.WithTracerProvider(d.tracer),
			otelgrpc.WithMeterProvider(d.meter),
		)),
	}

	if destination.Options.TLS {
		creds, err := credentials.NewClientTLSFromFile(destination.Options.CertFile, "")
		if err != nil {
			return nil, fmt.Errorf("rpc: setup TLS for %s: %w", destination.Address, err)
		}

		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	return append(opts, d.dialOptions...), nil
}

func (d *Dispatcher) breakerSettings(address string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:    address,
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		// Rejections by a healthy server say nothing about the connection.
		IsSuccessful: func(err error) bool {
			switch status.Code(err) {
			case codes.OK, codes.InvalidArgument, codes.NotFound, codes.Canceled:
				return true
			default:
				return false
			}
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn("RPC circuit breaker state changed",
				slog.String("destination", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}
}

func (d *Dispatcher) Serializer() message.Serializer {
	return d.opts.Serializer
}

func (d *Dispatcher) Registry() *registry.Registry {
	return d.reg
}

// Close closes every destination connection.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		d.closed.Store(true)

		var errs *multierror.Error

		for address, c := range d.conns {
			if err := c.conn.Close(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("rpc: close %s: %w", address, err))
			}
		}

		d.conns = nil
		d.closeErr = errs.ErrorOrNil()
	})

	return d.closeErr
}
