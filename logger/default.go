package logger

import (
	"context"
	"log/slog"
	"time"

	"github.com/shortlink-org/go-mediator/config"
)

// NewDefault builds the process logger from LOG_* keys and tags every record
// with SERVICE_NAME when it is set.
//
//nolint:ireturn // returns the contract
func NewDefault(_ context.Context, cfg *config.Config) (Logger, func(), error) {
	cfg.SetDefault("LOG_LEVEL", INFO_LEVEL)
	cfg.SetDefault("LOG_TIME_FORMAT", time.RFC3339Nano)

	base, err := New(Configuration{
		Level:      cfg.GetInt("LOG_LEVEL"),
		TimeFormat: cfg.GetString("LOG_TIME_FORMAT"),
	})
	if err != nil {
		return nil, nil, err
	}

	var log Logger = base
	if service := cfg.GetString("SERVICE_NAME"); service != "" {
		log = base.With(slog.String("service", service))
	}

	return log, func() { _ = base.Close() }, nil
}
