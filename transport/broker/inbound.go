package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"github.com/shortlink-org/go-mediator/bus"
	"github.com/shortlink-org/go-mediator/dedup"
	"github.com/shortlink-org/go-mediator/logger"
	"github.com/shortlink-org/go-mediator/mediator"
	"github.com/shortlink-org/go-mediator/message"
	"github.com/shortlink-org/go-mediator/registry"
	wm "github.com/shortlink-org/go-mediator/watermill"
)

// InboundManager serves the routes the local mediator can handle. Every
// route is one router handler: requests compete in the fleet-wide request
// group, notifications arrive through this process's own group.
type InboundManager struct {
	backend wm.Backend
	client  *wm.Client
	reg     *registry.Registry
	local   mediator.Mediator
	log     logger.Logger
	opts    bus.Options
	metrics *bus.Metrics

	store     dedup.Store
	ownsStore bool

	running   atomic.Bool
	stop      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func NewInboundManager(
	backend wm.Backend,
	reg *registry.Registry,
	local mediator.Mediator,
	log logger.Logger,
	opts ...Option,
) (*InboundManager, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}

	s, err := newSettings(opts)
	if err != nil {
		return nil, err
	}

	client, err := wm.New(log, s.cfg, backend, s.meter, s.tracer, s.wmOptions...)
	if err != nil {
		return nil, err
	}

	m := &InboundManager{
		backend: backend,
		client:  client,
		reg:     reg,
		local:   local,
		log:     logger.Component(log, "broker.inbound"),
		opts:    s.options,
		metrics: s.metrics,
		store:   s.store,
		stop:    make(chan struct{}),
	}

	if m.store == nil && m.opts.DedupEnabled {
		m.store = dedup.NewMemory()
		m.ownsStore = true
	}

	return m, nil
}

// Run subscribes every served route and blocks until ctx ends or Close.
func (m *InboundManager) Run(ctx context.Context) error {
	defer m.running.Store(false)

	routes := m.served()

	if len(routes) == 0 {
		m.log.InfoWithContext(ctx, "No inbound routes to serve")
		m.running.Store(true)

		select {
		case <-ctx.Done():
		case <-m.stop:
		}

		return nil
	}

	for _, route := range routes {
		if err := m.addHandler(ctx, route); err != nil {
			return err
		}
	}

	stopped := make(chan struct{})
	defer close(stopped)

	go func() {
		select {
		case <-m.client.Router.Running():
			m.running.Store(true)
		case <-stopped:
		}
	}()

	m.log.InfoWithContext(ctx, "Serving inbound routes", slog.Int("routes", len(routes)))

	return m.client.Router.Run(ctx)
}

// Running reports whether every route is subscribed.
func (m *InboundManager) Running() bool {
	return m.running.Load()
}

func (m *InboundManager) served() []registry.Route {
	all := m.reg.Routes()
	routes := make([]registry.Route, 0, len(all))

	for _, route := range all {
		if registry.Handles(m.local, route) {
			routes = append(routes, route)
		}
	}

	return routes
}

func (m *InboundManager) addHandler(ctx context.Context, route registry.Route) error {
	if err := m.backend.EnsureTopic(ctx, route.Channel); err != nil {
		return fmt.Errorf("broker: create channel %s: %w", route.Channel, err)
	}

	var (
		group   string
		handler wmmessage.NoPublishHandlerFunc
	)

	switch route.Kind {
	case message.KindRequest:
		group = m.opts.RequestGroup
		handler = m.requestHandler(route)
	case message.KindNotification:
		group = m.opts.NotificationGroup()
		handler = m.notificationHandler(route)
	default:
		return fmt.Errorf("broker: route %s has unsupported kind %s", route.Channel, route.Kind)
	}

	sub, err := m.client.Subscriber(wm.SubscribeOptions{ConsumerGroup: group})
	if err != nil {
		return fmt.Errorf("broker: subscribe %s: %w", route.Channel, err)
	}

	m.client.Router.AddNoPublisherHandler("mediator.inbound."+route.Channel, route.Channel, sub, handler)

	return nil
}

func (m *InboundManager) requestHandler(route registry.Route) wmmessage.NoPublishHandlerFunc {
	return func(msg *wmmessage.Message) error {
		ctx := msg.Context()

		var request message.CorrelatedRequest
		if err := message.Decode(msg.Payload, &request); err != nil {
			m.log.WarnWithContext(ctx, "Dropping undecodable request",
				slog.String("channel", route.Channel),
				slog.Any("error", err),
			)

			return nil
		}

		var response message.ResponseMessage

		out, err := route.Invoke(ctx, m.local, m.opts.Serializer, []byte(request.Message.Body))
		if err != nil {
			response = message.ExceptionResponse(err)
		} else {
			response = message.OkResponse(out)
		}

		m.metrics.RequestHandled(ctx, route.Channel, string(response.Status))

		if request.ReplyTo == "" {
			m.log.WarnWithContext(ctx, "Request has no reply channel, response dropped",
				slog.String("channel", route.Channel),
				slog.String("correlation_id", request.CorrelationID),
			)

			return nil
		}

		payload, err := message.Encode(message.CorrelatedReply{
			Reply:         response,
			CorrelationID: request.CorrelationID,
		})
		if err != nil {
			m.log.ErrorWithContext(ctx, "Failed to encode reply", slog.Any("error", err))
			return nil
		}

		reply := message.NewBrokerMessage(ctx, uuid.NewString(), message.KindReply, request.ReplyTo, payload)
		reply.Metadata.Set(message.MetadataCorrelationID, request.CorrelationID)
		middleware.SetCorrelationID(request.CorrelationID, reply)

		if err := m.client.Publisher.Publish(request.ReplyTo, reply); err != nil {
			m.log.ErrorWithContext(ctx, "Failed to publish reply",
				slog.String("reply_to", request.ReplyTo),
				slog.String("correlation_id", request.CorrelationID),
				slog.Any("error", err),
			)
		}

		return nil
	}
}

func (m *InboundManager) notificationHandler(route registry.Route) wmmessage.NoPublishHandlerFunc {
	return func(msg *wmmessage.Message) error {
		ctx := msg.Context()

		if msg.Metadata.Get(message.MetadataOrigin) == m.opts.Identity {
			return nil
		}

		var notification message.NotifyMessage
		if err := message.Decode(msg.Payload, &notification); err != nil {
			m.log.WarnWithContext(ctx, "Dropping undecodable notification",
				slog.String("channel", route.Channel),
				slog.Any("error", err),
			)

			return nil
		}

		m.metrics.NotificationReceived(ctx, route.Channel)

		body := []byte(notification.Body)

		if m.opts.DedupEnabled && m.store != nil {
			seen, err := m.store.CheckAndRemember(ctx, dedup.Fingerprint(route.Channel, body), m.opts.DedupTTL)

			switch {
			case err != nil:
				m.log.WarnWithContext(ctx, "Dedup store unavailable, delivering anyway",
					slog.String("channel", route.Channel),
					slog.Any("error", err),
				)
			case seen:
				m.metrics.NotificationDeduplicated(ctx, route.Channel)
				m.log.DebugWithContext(ctx, "Dropping duplicate notification",
					slog.String("channel", route.Channel),
				)

				return nil
			}
		}

		if _, err := route.Invoke(mediator.WithoutPropagation(ctx), m.local, m.opts.Serializer, body); err != nil {
			m.metrics.NotificationFailed(ctx, route.Channel)
			m.log.ErrorWithContext(ctx, "Notification subscribers failed",
				slog.String("channel", route.Channel),
				slog.Any("error", err),
			)
		}

		return nil
	}
}

// Close stops the router and the owned dedup store.
func (m *InboundManager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)

		var errs *multierror.Error

		if err := m.client.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}

		if m.ownsStore {
			if err := m.store.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}

		m.running.Store(false)
		m.closeErr = errs.ErrorOrNil()
	})

	return m.closeErr
}
