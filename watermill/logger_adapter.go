package watermill

import (
	"log/slog"
	"maps"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/shortlink-org/go-mediator/logger"
)

type watermillLoggerAdapter struct {
	log    logger.Logger
	fields watermill.LogFields
}

// NewWatermillLogger routes Watermill's own logging into logger.Logger.
func NewWatermillLogger(log logger.Logger) watermill.LoggerAdapter {
	return &watermillLoggerAdapter{
		log:    log,
		fields: make(watermill.LogFields),
	}
}

func (l *watermillLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := make(watermill.LogFields, len(l.fields)+len(fields))
	maps.Copy(merged, l.fields)
	maps.Copy(merged, fields)

	return &watermillLoggerAdapter{
		log:    l.log,
		fields: merged,
	}
}

// attrs merges base fields with call fields; call fields win.
func (l *watermillLoggerAdapter) attrs(fields watermill.LogFields) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(l.fields)+len(fields))

	for k, v := range l.fields {
		if _, overridden := fields[k]; !overridden {
			attrs = append(attrs, slog.Any(k, v))
		}
	}

	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}

	return attrs
}

func (l *watermillLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	attrs := l.attrs(fields)
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}

	l.log.Error(msg, attrs...)
}

func (l *watermillLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	l.log.Info(msg, l.attrs(fields)...)
}

func (l *watermillLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	l.log.Debug(msg, l.attrs(fields)...)
}

// Trace is folded into Debug; logger.Logger has no trace level.
func (l *watermillLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	l.log.Debug(msg, l.attrs(fields)...)
}
