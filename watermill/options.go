package watermill

import (
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/shortlink-org/go-mediator/config"
)

// Option configures the router middlewares.
type Option func(*Options)

// Options describe the router middleware stack.
type Options struct {
	Timeout        TimeoutOptions
	CircuitBreaker CircuitBreakerOptions
	CloseTimeout   time.Duration
	// SharedBackend leaves the backend open when the client closes.
	SharedBackend bool
}

// TimeoutOptions bound how long one inbound message may be handled.
type TimeoutOptions struct {
	Enabled  bool
	Duration time.Duration
}

// CircuitBreakerOptions configure the router circuit breaker.
type CircuitBreakerOptions struct {
	Enabled  bool
	Settings gobreaker.Settings
}

func defaultOptions(cfg *config.Config) Options {
	cfg.SetDefault("WATERMILL_HANDLER_TIMEOUT_ENABLED", true)
	cfg.SetDefault("WATERMILL_HANDLER_TIMEOUT", "20s")
	cfg.SetDefault("WATERMILL_ROUTER_CLOSE_TIMEOUT", "30s")

	cfg.SetDefault("WATERMILL_CB_ENABLED", true)
	cfg.SetDefault("WATERMILL_CB_TIMEOUT", "30s")
	cfg.SetDefault("WATERMILL_CB_INTERVAL", "0s")
	cfg.SetDefault("WATERMILL_CB_FAILURE_THRESHOLD", 5)
	cfg.SetDefault("WATERMILL_CB_HALFOPEN_MAX_REQUESTS", 1)

	timeout := TimeoutOptions{
		Enabled:  cfg.GetBool("WATERMILL_HANDLER_TIMEOUT_ENABLED"),
		Duration: cfg.GetDuration("WATERMILL_HANDLER_TIMEOUT"),
	}
	if timeout.Duration <= 0 {
		timeout.Duration = 20 * time.Second
	}

	closeTimeout := cfg.GetDuration("WATERMILL_ROUTER_CLOSE_TIMEOUT")
	if closeTimeout <= 0 {
		closeTimeout = 30 * time.Second
	}

	failureThreshold := cfg.GetInt("WATERMILL_CB_FAILURE_THRESHOLD")
	if failureThreshold <= 0 {
		failureThreshold = 5
	}

	cbName := "mediator_inbound"
	if namespace := strings.TrimSpace(cfg.GetString("MEDIATOR_NAMESPACE")); namespace != "" {
		cbName = namespace + "_inbound"
	}

	cbSettings := gobreaker.Settings{
		Name:        cbName,
		Timeout:     cfg.GetDuration("WATERMILL_CB_TIMEOUT"),
		Interval:    cfg.GetDuration("WATERMILL_CB_INTERVAL"),
		MaxRequests: uint32(max(cfg.GetInt("WATERMILL_CB_HALFOPEN_MAX_REQUESTS"), 1)), //nolint:gosec // bounded by config
	}
	if cbSettings.Timeout <= 0 {
		cbSettings.Timeout = 30 * time.Second
	}
	cbSettings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= uint32(failureThreshold) //nolint:gosec // positive
	}

	return Options{
		Timeout:      timeout,
		CloseTimeout: closeTimeout,
		CircuitBreaker: CircuitBreakerOptions{
			Enabled:  cfg.GetBool("WATERMILL_CB_ENABLED"),
			Settings: cbSettings,
		},
	}
}

// WithTimeout enables the timeout middleware with the provided duration.
func WithTimeout(duration time.Duration) Option {
	return func(o *Options) {
		o.Timeout.Enabled = duration > 0
		o.Timeout.Duration = duration
	}
}

// WithCircuitBreakerOptions overrides circuit breaker settings.
func WithCircuitBreakerOptions(opts CircuitBreakerOptions) Option {
	return func(o *Options) {
		o.CircuitBreaker = opts
	}
}

func WithCloseTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.CloseTimeout = timeout
	}
}

// WithSharedBackend marks the backend as owned by the caller.
func WithSharedBackend() Option {
	return func(o *Options) {
		o.SharedBackend = true
	}
}

func DisableTimeout() Option {
	return func(o *Options) {
		o.Timeout.Enabled = false
	}
}

func DisableCircuitBreaker() Option {
	return func(o *Options) {
		o.CircuitBreaker.Enabled = false
	}
}
