package tracer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// callersSkip is the number of callers to skip when getting function name.
	callersSkip = 4

	levelError = "ERROR"
	levelWarn  = "WARN"
)

// NewTraceFromContext mirrors a log record into OpenTelemetry.
//
// With an active span the record becomes a "log.{LEVEL}" event on it. Without
// one, WARN and ERROR records get a short span of their own while INFO and
// DEBUG are returned untouched. When a span was used, traceID and spanID are
// appended to the returned fields.
func NewTraceFromContext(
	ctx context.Context,
	level string,
	msg string,
	tags []attribute.KeyValue,
	fields ...slog.Attr,
) ([]slog.Attr, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		if level != levelError && level != levelWarn {
			return fields, nil
		}

		_, span = otel.Tracer("logger").Start(ctx, getNameFunc())
		defer span.End()

		span.SetAttributes(
			attribute.String("log.severity", level),
			attribute.String("log.message", msg),
		)
		span.SetAttributes(tags...)
		span.SetAttributes(FieldsToOpenTelemetry(fields...)...)
	} else {
		attrs := []attribute.KeyValue{
			attribute.String("log.severity", level),
			attribute.String("log.message", msg),
		}
		attrs = append(attrs, tags...)
		attrs = append(attrs, FieldsToOpenTelemetry(fields...)...)

		span.AddEvent("log."+level, trace.WithAttributes(attrs...))
	}

	if level == levelError {
		span.SetStatus(codes.Error, msg)
	}

	spanCtx := span.SpanContext()

	result := make([]slog.Attr, 0, len(fields)+2)
	result = append(result, fields...)
	result = append(result,
		slog.String("traceID", spanCtx.TraceID().String()),
		slog.String("spanID", spanCtx.SpanID().String()),
	)

	return result, nil
}

// getNameFunc returns the name of the function calling this package
// for set name of span.
func getNameFunc() string {
	pc := make([]uintptr, 1)
	if n := runtime.Callers(callersSkip, pc); n > 0 {
		if f := runtime.FuncForPC(pc[0]); f != nil {
			return f.Name()
		}
	}

	return "log"
}

// FieldsToOpenTelemetry converts log fields to OpenTelemetry attributes.
//
// Errors become exception.* attributes and is_error is coerced to a bool.
func FieldsToOpenTelemetry(fields ...slog.Attr) []attribute.KeyValue {
	if len(fields) == 0 {
		return nil
	}

	out := make([]attribute.KeyValue, 0, len(fields))

	for _, field := range fields {
		value := field.Value.Resolve()

		switch field.Key {
		case "err", "error":
			if errValue, ok := value.Any().(error); ok {
				out = append(out,
					attribute.String("exception.message", errValue.Error()),
					attribute.String("exception.type", fmt.Sprintf("%T", errValue)),
				)

				continue
			}

			if value.Kind() == slog.KindString {
				out = append(out,
					attribute.String("exception.message", value.String()),
					attribute.String("exception.type", "string"),
				)

				continue
			}
		case "is_error":
			if flag, err := strconv.ParseBool(value.String()); err == nil {
				out = append(out, attribute.Bool("log.is_error", flag))

				continue
			}
		}

		key := "log." + field.Key

		switch value.Kind() {
		case slog.KindString:
			out = append(out, attribute.String(key, value.String()))
		case slog.KindBool:
			out = append(out, attribute.Bool(key, value.Bool()))
		case slog.KindInt64:
			out = append(out, attribute.Int64(key, value.Int64()))
		case slog.KindUint64:
			out = append(out, attribute.Int64(key, int64(value.Uint64()))) //nolint:gosec // best effort for telemetry
		case slog.KindFloat64:
			out = append(out, attribute.Float64(key, value.Float64()))
		default:
			out = append(out, attribute.String(key, value.String()))
		}
	}

	return out
}
