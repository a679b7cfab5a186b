package distributed

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/exemplar"
)

// newPrometheusMeter exports mediator instruments through prom, so a single
// /metrics endpoint carries the mediator, broker and gRPC series.
func newPrometheusMeter(prom *prometheus.Registry) (*sdkmetric.MeterProvider, error) {
	reader, err := promexporter.New(promexporter.WithRegisterer(prom))
	if err != nil {
		return nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithExemplarFilter(exemplar.TraceBasedFilter),
	), nil
}

func registerBuildInfo(prom *prometheus.Registry) error {
	err := prom.Register(collectors.NewBuildInfoCollector())

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}

	return err
}

// MetricsHandler serves the Prometheus registry given through WithPrometheus.
// Without one it responds 404.
func (n *Node) MetricsHandler() http.Handler {
	if n.prom == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(n.prom, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (n *Node) shutdownMeter() error {
	if n.meterProvider == nil {
		return nil
	}

	n.cfg.SetDefault("OTEL_METRIC_SHUTDOWN_TIMEOUT", "10s")

	timeout := n.cfg.GetDuration("OTEL_METRIC_SHUTDOWN_TIMEOUT")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return n.meterProvider.Shutdown(ctx)
}
