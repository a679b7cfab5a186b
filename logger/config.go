package logger

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Log levels, from the least to the most verbose.
//
//nolint:revive,stylecheck // public API kept in SCREAMING_CASE
const (
	ERROR_LEVEL = iota
	WARN_LEVEL
	INFO_LEVEL
	DEBUG_LEVEL
)

// Configuration - options of the logger.
type Configuration struct {
	Writer     io.Writer
	TimeFormat string
	Level      int
}

// Default returns configuration used when nothing was set explicitly.
func Default() Configuration {
	return Configuration{
		Writer:     os.Stdout,
		TimeFormat: time.RFC3339Nano,
		Level:      INFO_LEVEL,
	}
}

// Validate checks the level and fills empty fields with defaults.
func (c *Configuration) Validate() error {
	if c.Level < ERROR_LEVEL || c.Level > DEBUG_LEVEL {
		return fmt.Errorf("%w: %d", ErrInvalidLogLevel, c.Level)
	}

	if c.Writer == nil {
		c.Writer = os.Stdout
	}

	if c.TimeFormat == "" {
		c.TimeFormat = time.RFC3339Nano
	}

	return nil
}
