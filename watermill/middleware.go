package watermill

import (
	"context"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	wmmid "github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shortlink-org/go-mediator/logger"
	mediatormsg "github.com/shortlink-org/go-mediator/message"
)

func configureBaseMiddlewares(router *message.Router, log logger.Logger, opts Options) {
	router.AddMiddleware(wmmid.Recoverer)
	router.AddMiddleware(wmmid.CorrelationID)

	if opts.Timeout.Enabled {
		router.AddMiddleware(wmmid.Timeout(opts.Timeout.Duration))
		log.Debug("Configured timeout middleware",
			slog.String("duration", opts.Timeout.Duration.String()),
		)
	}

	if opts.CircuitBreaker.Enabled {
		cb := wmmid.NewCircuitBreaker(opts.CircuitBreaker.Settings)
		router.AddMiddleware(cb.Middleware)
		log.Debug("Configured circuit breaker middleware",
			slog.String("name", opts.CircuitBreaker.Settings.Name),
			slog.String("timeout", opts.CircuitBreaker.Settings.Timeout.String()),
		)
	}
}

// MetricsMiddleware counts broker traffic per channel.
type MetricsMiddleware struct {
	published metric.Int64Counter
	consumed  metric.Int64Counter
	errors    metric.Int64Counter

	pubLatency metric.Float64Histogram
	conLatency metric.Float64Histogram
}

// NewMetricsMiddleware registers the broker instruments on provider.
func NewMetricsMiddleware(log logger.Logger, provider metric.MeterProvider) (*MetricsMiddleware, error) {
	meter := provider.Meter("github.com/shortlink-org/go-mediator/watermill")

	var (
		m   MetricsMiddleware
		err error
	)

	counter := func(dst *metric.Int64Counter, name, description string) {
		if err != nil {
			return
		}

		*dst, err = meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit("1"))
		if err != nil {
			log.Error("failed to create broker counter", slog.String("metric", name), slog.Any("error", err))
		}
	}

	histogram := func(dst *metric.Float64Histogram, name, description string) {
		if err != nil {
			return
		}

		*dst, err = meter.Float64Histogram(name, metric.WithDescription(description), metric.WithUnit("s"))
		if err != nil {
			log.Error("failed to create broker histogram", slog.String("metric", name), slog.Any("error", err))
		}
	}

	counter(&m.published, "mediator_broker_messages_published_total", "Messages published to broker channels")
	counter(&m.consumed, "mediator_broker_messages_consumed_total", "Messages consumed from broker channels")
	counter(&m.errors, "mediator_broker_messages_failed_total", "Failed publish or consume operations")
	histogram(&m.pubLatency, "mediator_broker_publish_latency_seconds", "Latency of publishing to a broker channel")
	histogram(&m.conLatency, "mediator_broker_consume_latency_seconds", "Latency of handling a broker message")

	if err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *MetricsMiddleware) HandlerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			ctx := msg.Context()
			channel := channelOf(msg)
			kind := msg.Metadata.Get(mediatormsg.MetadataMessageKind)

			msgs, err := h(msg)
			if err != nil {
				m.errors.Add(ctx, 1, metric.WithAttributes(errorAttributes(ctx, channel, kind, "consume", err)...))
				return msgs, err
			}

			attrs := metric.WithAttributes(channelAttributes(ctx, channel, kind)...)
			m.consumed.Add(ctx, 1, attrs)
			m.conLatency.Record(ctx, time.Since(start).Seconds(), attrs)

			return msgs, nil
		}
	}
}

// PublisherWrapper adds a publish span, trace propagation and metrics.
func (m *MetricsMiddleware) PublisherWrapper(pub message.Publisher, otelMW *OTelMiddleware) message.Publisher {
	return &publisherWrapper{
		pub:     pub,
		metrics: m,
		otel:    otelMW,
	}
}

type publisherWrapper struct {
	pub     message.Publisher
	metrics *MetricsMiddleware
	otel    *OTelMiddleware
}

func (pw *publisherWrapper) Publish(topic string, msgs ...*message.Message) error {
	ctx := context.Background()
	if len(msgs) > 0 {
		ctx = msgs[0].Context()
	}

	start := time.Now()

	var span trace.Span
	if pw.otel != nil {
		ctx, span = pw.otel.tracer.Start(ctx, "mediator.broker.publish",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(attribute.String("mediator.channel", topic)),
		)
		defer span.End()
	}

	var kind string

	for _, msg := range msgs {
		mediatormsg.SetTrace(ctx, msg)

		kind = msg.Metadata.Get(mediatormsg.MetadataMessageKind)
	}

	err := pw.pub.Publish(topic, msgs...)
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		pw.metrics.errors.Add(ctx, 1, metric.WithAttributes(errorAttributes(ctx, topic, kind, "publish", err)...))
		return err
	}

	attrs := metric.WithAttributes(channelAttributes(ctx, topic, kind)...)
	pw.metrics.published.Add(ctx, int64(len(msgs)), attrs)
	pw.metrics.pubLatency.Record(ctx, time.Since(start).Seconds(), attrs)

	return nil
}

func (pw *publisherWrapper) Close() error {
	return pw.pub.Close()
}

func channelOf(msg *message.Message) string {
	if channel := msg.Metadata.Get(mediatormsg.MetadataChannelName); channel != "" {
		return channel
	}

	return message.SubscribeTopicFromCtx(msg.Context())
}

const metricErrorMaxLen = 128

func channelAttributes(ctx context.Context, channel, kind string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("channel", channel),
		attribute.String("kind", kind),
	}

	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		attrs = append(attrs,
			attribute.String("trace_id", spanCtx.TraceID().String()),
			attribute.String("span_id", spanCtx.SpanID().String()),
		)
	}

	return attrs
}

func errorAttributes(ctx context.Context, channel, kind, stage string, err error) []attribute.KeyValue {
	errStr := err.Error()
	if len(errStr) > metricErrorMaxLen {
		errStr = errStr[:metricErrorMaxLen]
	}

	return append(channelAttributes(ctx, channel, kind),
		attribute.String("stage", stage),
		attribute.String("error", errStr),
	)
}
