package logger

import (
	"context"
	"io"
	"log/slog"
)

// Logger is the logging contract every mediator component depends on.
//
// The WithContext variants mirror the record into the active trace.
type Logger interface {
	Error(msg string, fields ...slog.Attr)
	ErrorWithContext(ctx context.Context, msg string, fields ...slog.Attr)

	Warn(msg string, fields ...slog.Attr)
	WarnWithContext(ctx context.Context, msg string, fields ...slog.Attr)

	Info(msg string, fields ...slog.Attr)
	InfoWithContext(ctx context.Context, msg string, fields ...slog.Attr)

	Debug(msg string, fields ...slog.Attr)
	DebugWithContext(ctx context.Context, msg string, fields ...slog.Attr)

	// With returns a child logger that adds fields to every record,
	// e.g. the component or the node identity.
	With(fields ...slog.Attr) Logger

	io.Closer
}

// Component scopes log to a named mediator component.
//
//nolint:ireturn // returns the contract
func Component(log Logger, name string) Logger {
	return log.With(slog.String("component", name))
}
