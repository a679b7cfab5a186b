package bus

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shortlink-org/go-mediator/logger"
)

// Metrics counts distributed mediator traffic. A nil *Metrics records nothing.
type Metrics struct {
	dispatched      metric.Int64Counter
	orphaned        metric.Int64Counter
	handled         metric.Int64Counter
	published       metric.Int64Counter
	received        metric.Int64Counter
	deduplicated    metric.Int64Counter
	failed          metric.Int64Counter
	unroutable      metric.Int64Counter
	pendingRequests metric.Int64UpDownCounter
}

// NewMetrics registers the counters on provider. Instruments that fail to
// register are logged and skipped.
func NewMetrics(log logger.Logger, provider metric.MeterProvider) *Metrics {
	if provider == nil {
		return nil
	}

	meter := provider.Meter("github.com/shortlink-org/go-mediator")
	m := &Metrics{}

	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil && log != nil {
			log.Warn("Failed to create mediator counter",
				slog.String("metric", name),
				slog.Any("error", err),
			)
		}

		return c
	}

	m.dispatched = counter("mediator_requests_dispatched_total", "Total number of requests sent to a remote handler")
	m.orphaned = counter("mediator_replies_orphaned_total", "Total number of replies that arrived after their request was abandoned")
	m.handled = counter("mediator_requests_handled_total", "Total number of inbound requests answered by this process")
	m.published = counter("mediator_notifications_published_total", "Total number of notifications sent to the fleet")
	m.received = counter("mediator_notifications_received_total", "Total number of inbound notifications")
	m.deduplicated = counter("mediator_notifications_deduplicated_total", "Total number of inbound notifications dropped as duplicates")
	m.failed = counter("mediator_notifications_failed_total", "Total number of inbound notifications whose local subscribers failed")
	m.unroutable = counter("mediator_notifications_unroutable_total", "Total number of notifications with no registered channel")

	pending, err := meter.Int64UpDownCounter("mediator_pending_requests",
		metric.WithDescription("Number of requests awaiting a reply"))
	if err != nil && log != nil {
		log.Warn("Failed to create mediator pending gauge", slog.Any("error", err))
	}

	m.pendingRequests = pending

	return m
}

func channelAttr(channel string) metric.AddOption {
	return metric.WithAttributes(attribute.String("channel", channel))
}

func add(ctx context.Context, c metric.Int64Counter, opts ...metric.AddOption) {
	if c != nil {
		c.Add(ctx, 1, opts...)
	}
}

func (m *Metrics) RequestDispatched(ctx context.Context, channel string) {
	if m != nil {
		add(ctx, m.dispatched, channelAttr(channel))
	}
}

func (m *Metrics) ReplyOrphaned(ctx context.Context) {
	if m != nil {
		add(ctx, m.orphaned)
	}
}

func (m *Metrics) RequestHandled(ctx context.Context, channel, status string) {
	if m != nil {
		add(ctx, m.handled, metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("status", status),
		))
	}
}

func (m *Metrics) NotificationPublished(ctx context.Context, channel string) {
	if m != nil {
		add(ctx, m.published, channelAttr(channel))
	}
}

func (m *Metrics) NotificationReceived(ctx context.Context, channel string) {
	if m != nil {
		add(ctx, m.received, channelAttr(channel))
	}
}

func (m *Metrics) NotificationDeduplicated(ctx context.Context, channel string) {
	if m != nil {
		add(ctx, m.deduplicated, channelAttr(channel))
	}
}

func (m *Metrics) NotificationFailed(ctx context.Context, channel string) {
	if m != nil {
		add(ctx, m.failed, channelAttr(channel))
	}
}

func (m *Metrics) NotificationUnroutable(ctx context.Context) {
	if m != nil {
		add(ctx, m.unroutable)
	}
}

// PendingChanged moves the pending requests gauge by delta.
func (m *Metrics) PendingChanged(ctx context.Context, delta int64) {
	if m != nil && m.pendingRequests != nil {
		m.pendingRequests.Add(ctx, delta)
	}
}
