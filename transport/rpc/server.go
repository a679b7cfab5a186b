package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/shortlink-org/go-mediator/config"
	"github.com/shortlink-org/go-mediator/logger"
)

// Server exposes an InboundManager over gRPC.
type Server struct {
	Server   *grpc.Server
	Endpoint string

	listener      net.Listener
	serverMetrics *grpc_prometheus.ServerMetrics
	log           logger.Logger
}

// ServerOption configures NewServer.
type ServerOption func(*server)

type server struct {
	interceptorUnaryServerList []grpc.UnaryServerInterceptor
	optionsNewServer           []grpc.ServerOption

	port int
	host string

	log           logger.Logger
	serverMetrics *grpc_prometheus.ServerMetrics
	cfg           *config.Config

	tracer   trace.TracerProvider
	prom     *prometheus.Registry
	listener net.Listener
}

// WithServerTracer adds the otelgrpc server handler.
func WithServerTracer(tracer trace.TracerProvider) ServerOption {
	return func(s *server) {
		s.tracer = tracer
	}
}

// WithPrometheus registers handling metrics and the panic counter on prom.
func WithPrometheus(prom *prometheus.Registry) ServerOption {
	return func(s *server) {
		s.prom = prom
	}
}

// WithListener serves on lis instead of GRPC_SERVER_HOST:GRPC_SERVER_PORT.
func WithListener(lis net.Listener) ServerOption {
	return func(s *server) {
		s.listener = lis
	}
}

// NewServer configures the server from GRPC_SERVER_* and registers inbound.
func NewServer(
	ctx context.Context,
	log logger.Logger,
	cfg *config.Config,
	inbound MediatorServer,
	options ...ServerOption,
) (*Server, error) {
	conf, err := setServerConfig(log, cfg, options...)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s:%d", conf.host, conf.port)

	lis := conf.listener
	if lis == nil {
		var lc net.ListenConfig

		lis, err = lc.Listen(ctx, "tcp", endpoint)
		if err != nil {
			return nil, fmt.Errorf("rpc: failed to listen: %w", err)
		}
	} else {
		endpoint = lis.Addr().String()
	}

	grpcServer := grpc.NewServer(conf.optionsNewServer...)
	RegisterMediatorServer(grpcServer, inbound)

	if conf.serverMetrics != nil {
		conf.serverMetrics.InitializeMetrics(grpcServer)
	}

	return &Server{
		Server:        grpcServer,
		Endpoint:      endpoint,
		listener:      lis,
		serverMetrics: conf.serverMetrics,
		log:           conf.log,
	}, nil
}

// Run serves until ctx is done, then stops gracefully.
func (s *Server) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.log.Info("Shutdown gRPC server")
		s.Server.GracefulStop()
	})
	defer stop()

	s.log.Info("Run gRPC server", slog.String("endpoint", s.Endpoint))

	if err := s.Server.Serve(s.listener); err != nil {
		return fmt.Errorf("rpc: serve: %w", err)
	}

	return nil
}

// Close stops the server without waiting for in-flight calls.
func (s *Server) Close() error {
	s.Server.Stop()
	_ = s.listener.Close()

	return nil
}

func setServerConfig(log logger.Logger, cfg *config.Config, options ...ServerOption) (*server, error) {
	cfg.SetDefault("GRPC_SERVER_PORT", "50051")
	cfg.SetDefault("GRPC_SERVER_HOST", "0.0.0.0")

	conf := &server{
		port: cfg.GetInt("GRPC_SERVER_PORT"),
		host: cfg.GetString("GRPC_SERVER_HOST"),
		log:  logger.Component(log, "rpc.server"),
		cfg:  cfg,
	}

	for _, option := range options {
		option(conf)
	}

	conf.withLogger()
	conf.withTracer()

	if conf.prom != nil {
		conf.withMetrics()
		conf.withRecovery()
	}

	conf.optionsNewServer = append(conf.optionsNewServer,
		grpc.ChainUnaryInterceptor(conf.interceptorUnaryServerList...),
	)

	// NOTE: made after the interceptor chain.
	if err := conf.withTLS(); err != nil {
		return nil, err
	}

	return conf, nil
}

func (s *server) withMetrics() {
	s.serverMetrics = grpc_prometheus.NewServerMetrics(
		grpc_prometheus.WithServerHandlingTimeHistogram(
			grpc_prometheus.WithHistogramBuckets([]float64{0.001, 0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9, 20, 30, 60, 90, 120}),
		),
	)
	s.prom.MustRegister(s.serverMetrics)

	s.interceptorUnaryServerList = append(
		s.interceptorUnaryServerList,
		s.serverMetrics.UnaryServerInterceptor(grpc_prometheus.WithExemplarFromContext(exemplarFromContext)),
	)
}

func (s *server) withTracer() {
	if s.tracer == nil {
		return
	}

	s.optionsNewServer = append(s.optionsNewServer, grpc.StatsHandler(
		otelgrpc.NewServerHandler(otelgrpc.WithTracerProvider(s.tracer))),
	)
}

// withRecovery must run last so the other interceptors see the recovered call.
func (s *server) withRecovery() {
	panicsTotal := promauto.With(s.prom).NewCounter(prometheus.CounterOpts{
		Name: "mediator_grpc_panics_recovered_total",
		Help: "Total number of mediator gRPC calls recovered from a panic.",
	})

	handler := func(panicValue any) error {
		panicsTotal.Inc()
		s.log.Error("recovered from panic",
			slog.String("panic", fmt.Sprintf("%v", panicValue)),
			slog.String("stack", string(debug.Stack())),
		)

		return status.Errorf(codes.Internal, "%s", panicValue)
	}

	s.interceptorUnaryServerList = append(
		s.interceptorUnaryServerList,
		grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandler(handler)),
	)
}

func (s *server) withLogger() {
	s.cfg.SetDefault("GRPC_SERVER_LOGGER_ENABLED", true)

	if s.cfg.GetBool("GRPC_SERVER_LOGGER_ENABLED") {
		s.interceptorUnaryServerList = append(s.interceptorUnaryServerList, unaryServerLogger(s.log))
	}
}

func (s *server) withTLS() error {
	s.cfg.SetDefault("GRPC_SERVER_TLS_ENABLED", false)
	s.cfg.SetDefault("GRPC_SERVER_CERT_PATH", "ops/cert/mediator-server.pem")
	s.cfg.SetDefault("GRPC_SERVER_KEY_PATH", "ops/cert/mediator-server-key.pem")

	if !s.cfg.GetBool("GRPC_SERVER_TLS_ENABLED") {
		return nil
	}

	creds, err := credentials.NewServerTLSFromFile(s.cfg.GetString("GRPC_SERVER_CERT_PATH"), s.cfg.GetString("GRPC_SERVER_KEY_PATH"))
	if err != nil {
		return fmt.Errorf("rpc: failed to setup TLS: %w", err)
	}

	s.optionsNewServer = append(s.optionsNewServer, grpc.Creds(creds))

	return nil
}
