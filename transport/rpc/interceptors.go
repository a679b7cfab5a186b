package rpc

import (
	"context"
	"log/slog"
	"path"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shortlink-org/go-mediator/logger"
)

// unaryServerLogger logs failed inbound calls.
func unaryServerLogger(log logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		startTime := time.Now()
		resp, err := handler(ctx, req)

		if err != nil {
			logCall(ctx, log, err, info.FullMethod, time.Since(startTime))
		}

		return resp, err
	}
}

// unaryClientLogger logs failed outbound calls and tags the active span
// with the destination.
func unaryClientLogger(log logger.Logger) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		startTime := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)

		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("mediator.destination", cc.Target()))
		}

		if err != nil {
			logCall(ctx, log, err, method, time.Since(startTime), slog.String("target", cc.Target()))
		}

		return err
	}
}

func logCall(ctx context.Context, log logger.Logger, err error, method string, duration time.Duration, extra ...slog.Attr) {
	fields := append([]slog.Attr{
		slog.String("grpc.service", path.Dir(method)[1:]),
		slog.String("grpc.method", path.Base(method)),
		slog.String("code", status.Code(err).String()),
		slog.Int64("duration (mks)", duration.Microseconds()),
	}, extra...)

	switch status.Code(err) {
	case codes.Canceled, codes.InvalidArgument, codes.NotFound:
		log.DebugWithContext(ctx, err.Error(), fields...)
	case codes.Unimplemented, codes.Internal, codes.Unavailable, codes.DataLoss:
		log.WarnWithContext(ctx, err.Error(), fields...)
	default:
		log.InfoWithContext(ctx, err.Error(), fields...)
	}
}
