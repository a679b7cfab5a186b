package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"github.com/shortlink-org/go-mediator/bus"
	"github.com/shortlink-org/go-mediator/correlation"
	"github.com/shortlink-org/go-mediator/logger"
	"github.com/shortlink-org/go-mediator/message"
	"github.com/shortlink-org/go-mediator/registry"
	wm "github.com/shortlink-org/go-mediator/watermill"
)

const replyHandlerName = "mediator.reply"

// Dispatcher publishes requests and notifications and listens on the
// process reply channel.
type Dispatcher struct {
	backend wm.Backend
	client  *wm.Client
	reg     *registry.Registry
	log     logger.Logger
	opts    bus.Options
	metrics *bus.Metrics

	table        *correlation.Table
	replyChannel string

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

var _ bus.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates the reply channel and starts listening on it before
// returning.
func NewDispatcher(
	ctx context.Context,
	backend wm.Backend,
	reg *registry.Registry,
	log logger.Logger,
	opts ...Option,
) (*Dispatcher, error) {
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

	d := &Dispatcher{
		backend:      backend,
		client:       client,
		reg:          reg,
		log:          logger.Component(log, "broker.dispatcher"),
		opts:         s.options,
		metrics:      s.metrics,
		table:        correlation.NewTable(),
		replyChannel: s.options.ReplyChannel(),
		done:         make(chan struct{}),
	}

	if err := d.listen(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	return d, nil
}

func (d *Dispatcher) listen(ctx context.Context) error {
	if err := d.backend.EnsureTopic(ctx, d.replyChannel); err != nil {
		return fmt.Errorf("broker: create reply channel: %w", err)
	}

	sub, err := d.client.Subscriber(wm.SubscribeOptions{
		ConsumerGroup: d.opts.ReplyGroup(),
		FromOldest:    true,
	})
	if err != nil {
		return fmt.Errorf("broker: subscribe reply channel: %w", err)
	}

	d.client.Router.AddNoPublisherHandler(replyHandlerName, d.replyChannel, sub, d.handleReply)

	go func() {
		defer close(d.done)

		if err := d.client.Router.Run(context.WithoutCancel(ctx)); err != nil {
			d.log.Error("Reply listener stopped", slog.Any("error", err))
		}
	}()

	select {
	case <-d.client.Router.Running():
		return nil
	case <-d.done:
		return ErrListenerStopped
	case <-ctx.Done():
		_ = d.client.Close()
		<-d.done

		return ctx.Err()
	}
}

// Dispatch publishes req and waits for the correlated reply, the request
// timeout or ctx, whichever comes first.
func (d *Dispatcher) Dispatch(ctx context.Context, req any) (*message.ResponseMessage, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}

	route, err := d.reg.RequestRoute(req)
	if err != nil {
		return nil, err
	}

	body, err := d.opts.Serializer.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("broker: serialize %T: %w", req, err)
	}

	correlationID := uuid.NewString()

	future, err := d.table.Register(correlationID, d.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}

	d.metrics.PendingChanged(ctx, 1)
	defer d.metrics.PendingChanged(ctx, -1)

	payload, err := message.Encode(message.CorrelatedRequest{
		Message: message.RequestMessage{
			Body:        string(body),
			ChannelName: route.Channel,
		},
		CorrelationID: correlationID,
		ReplyTo:       d.replyChannel,
	})
	if err != nil {
		d.table.Remove(correlationID)
		return nil, err
	}

	msg := message.NewBrokerMessage(ctx, uuid.NewString(), message.KindRequest, route.Channel, payload)
	msg.Metadata.Set(message.MetadataCorrelationID, correlationID)
	middleware.SetCorrelationID(correlationID, msg)

	if err := d.client.Publisher.Publish(route.Channel, msg); err != nil {
		d.table.Remove(correlationID)
		return nil, fmt.Errorf("broker: publish request to %s: %w", route.Channel, err)
	}

	d.metrics.RequestDispatched(ctx, route.Channel)

	response, err := future.Wait(ctx)
	if err != nil {
		d.table.Remove(correlationID)
		return nil, err
	}

	return response, nil
}

// Notify publishes n once on its channel. The inbound manager of this
// process skips it: local subscribers already ran in bus.Mediator.
func (d *Dispatcher) Notify(ctx context.Context, n any) error {
	if d.closed.Load() {
		return ErrClosed
	}

	route, err := d.reg.NotificationRoute(n)
	if err != nil {
		return err
	}

	body, err := d.opts.Serializer.Marshal(n)
	if err != nil {
		return fmt.Errorf("broker: serialize %T: %w", n, err)
	}

	payload, err := message.Encode(message.NotifyMessage{
		Body:        string(body),
		ChannelName: route.Channel,
	})
	if err != nil {
		return err
	}

	msg := message.NewBrokerMessage(ctx, uuid.NewString(), message.KindNotification, route.Channel, payload)
	msg.Metadata.Set(message.MetadataOrigin, d.opts.Identity)

	if err := d.client.Publisher.Publish(route.Channel, msg); err != nil {
		return fmt.Errorf("broker: publish notification to %s: %w", route.Channel, err)
	}

	d.metrics.NotificationPublished(ctx, route.Channel)

	return nil
}

func (d *Dispatcher) handleReply(msg *wmmessage.Message) error {
	ctx := msg.Context()

	var reply message.CorrelatedReply
	if err := message.Decode(msg.Payload, &reply); err != nil {
		d.log.WarnWithContext(ctx, "Dropping undecodable reply",
			slog.String("message_uuid", msg.UUID),
			slog.Any("error", err),
		)

		return nil
	}

	if !d.table.Complete(reply.CorrelationID, &reply.Reply) {
		d.metrics.ReplyOrphaned(ctx)
		d.log.DebugWithContext(ctx, "Discarding reply without pending request",
			slog.String("correlation_id", reply.CorrelationID),
		)
	}

	return nil
}

func (d *Dispatcher) ReplyChannel() string {
	return d.replyChannel
}

// Pending is the number of requests awaiting a reply.
func (d *Dispatcher) Pending() int {
	return d.table.Len()
}

func (d *Dispatcher) Serializer() message.Serializer {
	return d.opts.Serializer
}

func (d *Dispatcher) Registry() *registry.Registry {
	return d.reg
}

// Close fails pending requests with correlation.ErrClosed, stops the reply
// listener and deletes the reply channel. Later calls return the first result.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.table.Close()

		var errs *multierror.Error

		if err := d.client.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}

		<-d.done

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := d.backend.DeleteTopic(ctx, d.replyChannel); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("broker: delete reply channel: %w", err))
		}

		d.closeErr = errs.ErrorOrNil()
	})

	return d.closeErr
}
