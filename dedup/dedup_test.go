package dedup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shortlink-org/go-mediator/config"
	"github.com/shortlink-org/go-mediator/dedup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFingerprint(t *testing.T) {
	a := dedup.Fingerprint("orgs.created", []byte(`{"id":"1"}`))

	assert.Len(t, a, 64)
	assert.Equal(t, a, dedup.Fingerprint("orgs.created", []byte(`{"id":"1"}`)))
	assert.NotEqual(t, a, dedup.Fingerprint("orgs.deleted", []byte(`{"id":"1"}`)))
	assert.NotEqual(t, a, dedup.Fingerprint("orgs.created", []byte(`{"id":"2"}`)))
	assert.NotEqual(t, dedup.Fingerprint("ab", []byte("c")), dedup.Fingerprint("a", []byte("bc")))
}

func TestMemoryCheckAndRemember(t *testing.T) {
	ctx := context.Background()
	store := dedup.NewMemory()
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	seen, err := store.CheckAndRemember(ctx, "fp", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = store.CheckAndRemember(ctx, "fp", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.Seen(ctx, "other")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	store := dedup.NewMemory()
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	require.NoError(t, store.Remember(ctx, "fp", 30*time.Millisecond))

	assert.Eventually(t, func() bool {
		seen, err := store.Seen(ctx, "fp")
		return err == nil && !seen
	}, time.Second, 10*time.Millisecond)

	assert.Zero(t, store.Len())
}

func TestMemoryRememberRestartsWindow(t *testing.T) {
	ctx := context.Background()
	store := dedup.NewMemory()
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	require.NoError(t, store.Remember(ctx, "fp", 20*time.Millisecond))
	require.NoError(t, store.Remember(ctx, "fp", time.Minute))

	time.Sleep(60 * time.Millisecond)

	seen, err := store.Seen(ctx, "fp")
	require.NoError(t, err)
	assert.True(t, seen, "the superseded timer must not evict the entry")
}

func TestNewFromConfig(t *testing.T) {
	cfg, err := config.New()
	require.NoError(t, err)

	store, err := dedup.NewFromConfig(cfg, "node-a", nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &dedup.Memory{}, store)
	require.NoError(t, store.Close())

	cfg.Set("MEDIATOR_DEDUP_STORE", "etcd")
	_, err = dedup.NewFromConfig(cfg, "node-a", nil, nil)
	require.ErrorIs(t, err, dedup.ErrUnknownStore)

	cfg.Set("MEDIATOR_DEDUP_STORE", "redis")
	cfg.Set("MEDIATOR_DEDUP_REDIS_URI", "")
	store, err = dedup.NewFromConfig(cfg, "node-a", nil, nil)
	require.ErrorIs(t, err, dedup.ErrInvalidURI)
	assert.True(t, store == nil, "a failed store must be a nil interface")
}

func TestRedisKeyPrefixPerIdentity(t *testing.T) {
	cfg, err := config.New()
	require.NoError(t, err)

	billing := dedup.RedisConfigFrom(cfg, "billing-1")
	audit := dedup.RedisConfigFrom(cfg, "audit-1")

	assert.Equal(t, "mediator:dedup:billing-1:", billing.KeyPrefix())
	assert.Equal(t, "mediator:dedup:audit-1:", audit.KeyPrefix())

	cfg.Set("MEDIATOR_DEDUP_REDIS_PREFIX", "orgs:seen:")
	assert.Equal(t, "orgs:seen:billing-1:", dedup.RedisConfigFrom(cfg, "billing-1").KeyPrefix())

	assert.Equal(t, "mediator:dedup:", dedup.RedisConfig{}.KeyPrefix())
}
