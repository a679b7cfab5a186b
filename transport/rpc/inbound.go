package rpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/shortlink-org/go-mediator/bus"
	"github.com/shortlink-org/go-mediator/logger"
	"github.com/shortlink-org/go-mediator/mediator"
	"github.com/shortlink-org/go-mediator/message"
	"github.com/shortlink-org/go-mediator/registry"
)

// InboundManager serves mediator.v1.Mediator from the local mediator.
type InboundManager struct {
	reg        *registry.Registry
	local      mediator.Mediator
	log        logger.Logger
	serializer message.Serializer
	metrics    *bus.Metrics
}

var _ MediatorServer = (*InboundManager)(nil)

// InboundOption configures an InboundManager.
type InboundOption func(*InboundManager)

func WithInboundSerializer(serializer message.Serializer) InboundOption {
	return func(m *InboundManager) {
		if serializer != nil {
			m.serializer = serializer
		}
	}
}

func WithInboundMetrics(metrics *bus.Metrics) InboundOption {
	return func(m *InboundManager) {
		m.metrics = metrics
	}
}

func NewInboundManager(reg *registry.Registry, local mediator.Mediator, log logger.Logger, opts ...InboundOption) *InboundManager {
	m := &InboundManager{
		reg:        reg,
		local:      local,
		log:        logger.Component(log, "rpc.inbound"),
		serializer: message.JSONSerializer{},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Dispatch answers a request. Handler failures travel inside the response
// envelope; gRPC errors are reserved for malformed or unroutable calls.
func (m *InboundManager) Dispatch(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var request message.RequestMessage
	if err := message.Decode(in.GetValue(), &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	route, err := m.route(request.ChannelName, message.KindRequest)
	if err != nil {
		return nil, err
	}

	var response message.ResponseMessage

	out, err := route.Invoke(ctx, m.local, m.serializer, []byte(request.Body))
	if err != nil {
		response = message.ExceptionResponse(err)
	} else {
		response = message.OkResponse(out)
	}

	m.metrics.RequestHandled(ctx, route.Channel, string(response.Status))

	payload, err := message.Encode(response)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	return wrapperspb.Bytes(payload), nil
}

// Notify delivers a notification to local subscribers only.
func (m *InboundManager) Notify(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var notification message.NotifyMessage
	if err := message.Decode(in.GetValue(), &notification); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	route, err := m.route(notification.ChannelName, message.KindNotification)
	if err != nil {
		return nil, err
	}

	m.metrics.NotificationReceived(ctx, route.Channel)

	if _, err := route.Invoke(mediator.WithoutPropagation(ctx), m.local, m.serializer, []byte(notification.Body)); err != nil {
		m.metrics.NotificationFailed(ctx, route.Channel)
		m.log.ErrorWithContext(ctx, "Notification subscribers failed",
			slog.String("channel", route.Channel),
			slog.Any("error", err),
		)
	}

	return &emptypb.Empty{}, nil
}

func (m *InboundManager) route(channel string, kind message.Kind) (registry.Route, error) {
	route, ok := m.reg.ByChannel(channel)
	if !ok || route.Kind != kind || !registry.Handles(m.local, route) {
		return registry.Route{}, status.Errorf(codes.NotFound, "no %s handler for channel %q", kind, channel)
	}

	return route, nil
}
