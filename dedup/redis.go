package dedup

import (
	"context"
	"time"

	"github.com/redis/rueidis"
	"github.com/redis/rueidis/rueidisotel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shortlink-org/go-mediator/config"
)

const defaultRedisKeyPrefix = "mediator:dedup:"

// RedisConfig holds the connection settings of the store. Keys live under
// Prefix followed by Identity, so nodes sharing one Redis keep separate
// windows.
type RedisConfig struct {
	Username string
	Password string
	Host     []string
	Prefix   string
	Identity string
}

// KeyPrefix is the namespace every fingerprint key of cfg is written under.
func (cfg RedisConfig) KeyPrefix() string {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}

	if cfg.Identity == "" {
		return prefix
	}

	return prefix + cfg.Identity + ":"
}

// Redis keeps the fingerprint window outside the process with SET NX PX,
// scoped to one consumer identity.
type Redis struct {
	client rueidis.Client
	prefix string
}

// RedisConfigFrom reads MEDIATOR_DEDUP_REDIS_* (URI, USERNAME, PASSWORD, PREFIX)
// for the consumer identity.
func RedisConfigFrom(cfg *config.Config, identity string) RedisConfig {
	cfg.SetDefault("MEDIATOR_DEDUP_REDIS_URI", "localhost:6379")
	cfg.SetDefault("MEDIATOR_DEDUP_REDIS_USERNAME", "")
	cfg.SetDefault("MEDIATOR_DEDUP_REDIS_PASSWORD", "")
	cfg.SetDefault("MEDIATOR_DEDUP_REDIS_PREFIX", defaultRedisKeyPrefix)

	return RedisConfig{
		Host:     cfg.GetStringSlice("MEDIATOR_DEDUP_REDIS_URI"),
		Username: cfg.GetString("MEDIATOR_DEDUP_REDIS_USERNAME"),
		Password: cfg.GetString("MEDIATOR_DEDUP_REDIS_PASSWORD"),
		Prefix:   cfg.GetString("MEDIATOR_DEDUP_REDIS_PREFIX"),
		Identity: identity,
	}
}

func NewRedis(cfg RedisConfig, tracer trace.TracerProvider, meter metric.MeterProvider) (*Redis, error) {
	if len(cfg.Host) == 0 || cfg.Host[0] == "" {
		return nil, &StoreError{
			Op:      "init",
			Err:     ErrInvalidURI,
			Details: "redis host configuration is empty",
		}
	}

	opts := []rueidisotel.Option{}
	if tracer != nil {
		opts = append(opts, rueidisotel.WithTracerProvider(tracer))
	}

	if meter != nil {
		opts = append(opts, rueidisotel.WithMeterProvider(meter))
	}

	client, err := rueidisotel.NewClient(rueidis.ClientOption{
		InitAddress: cfg.Host,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}, opts...)
	if err != nil {
		return nil, &StoreError{
			Op:      "init",
			Err:     ErrClientConnection,
			Details: err.Error(),
		}
	}

	return &Redis{client: client, prefix: cfg.KeyPrefix()}, nil
}

func (r *Redis) Seen(ctx context.Context, fingerprint string) (bool, error) {
	count, err := r.client.Do(ctx, r.client.B().Exists().Key(r.prefix+fingerprint).Build()).AsInt64()
	if err != nil {
		return false, &StoreError{Op: "seen", Err: err}
	}

	return count > 0, nil
}

func (r *Redis) Remember(ctx context.Context, fingerprint string, ttl time.Duration) error {
	cmd := r.client.B().Set().Key(r.prefix + fingerprint).Value("1").PxMilliseconds(ttl.Milliseconds()).Build()

	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return &StoreError{Op: "remember", Err: err}
	}

	return nil
}

func (r *Redis) CheckAndRemember(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	cmd := r.client.B().Set().Key(r.prefix + fingerprint).Value("1").Nx().PxMilliseconds(ttl.Milliseconds()).Build()

	err := r.client.Do(ctx, cmd).Error()
	switch {
	case err == nil:
		return false, nil
	case rueidis.IsRedisNil(err):
		return true, nil
	default:
		return false, &StoreError{Op: "check", Err: err}
	}
}

func (r *Redis) Close() error {
	r.client.Close()

	return nil
}
