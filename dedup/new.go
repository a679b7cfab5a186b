package dedup

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shortlink-org/go-mediator/config"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// NewFromConfig builds the store selected by MEDIATOR_DEDUP_STORE for the
// consumer identity. A shared store keeps each identity's fingerprints apart.
//
//nolint:ireturn // returns the contract
func NewFromConfig(
	cfg *config.Config,
	identity string,
	tracer trace.TracerProvider,
	meter metric.MeterProvider,
) (Store, error) {
	cfg.SetDefault("MEDIATOR_DEDUP_STORE", StoreMemory)

	switch name := cfg.GetString("MEDIATOR_DEDUP_STORE"); name {
	case StoreMemory:
		return NewMemory(), nil
	case StoreRedis:
		store, err := NewRedis(RedisConfigFrom(cfg, identity), tracer, meter)
		if err != nil {
			return nil, err
		}

		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, name)
	}
}
