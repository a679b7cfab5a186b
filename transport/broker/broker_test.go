package broker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sync/errgroup"

	"github.com/shortlink-org/go-mediator/bus"
	"github.com/shortlink-org/go-mediator/config"
	"github.com/shortlink-org/go-mediator/correlation"
	"github.com/shortlink-org/go-mediator/logger"
	"github.com/shortlink-org/go-mediator/mediator"
	"github.com/shortlink-org/go-mediator/registry"
	"github.com/shortlink-org/go-mediator/transport/broker"
	"github.com/shortlink-org/go-mediator/watermill/backends/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type CreateOrgRequest struct {
	Code string `json:"code"`
}

type CreateOrgResponse struct {
	ID string `json:"id"`
}

type OrgCreated struct {
	ID string `json:"id"`
}

type OrgAudited struct {
	ID string `json:"id"`
}

type Unrouted struct{}

type node struct {
	local      *mediator.InProcess
	med        *bus.Mediator
	dispatcher *broker.Dispatcher
	inbound    *broker.InboundManager
	reader     *sdkmetric.ManualReader
}

type nodeConfig struct {
	options bus.Options
	setup   func(n *node)
}

func newLogger(t *testing.T) logger.Logger {
	t.Helper()

	log, err := logger.New(logger.Configuration{Writer: io.Discard, Level: logger.ERROR_LEVEL})
	require.NoError(t, err)

	return log
}

func newBackend(t *testing.T) *memory.Backend {
	t.Helper()

	backend := memory.New(newLogger(t))
	t.Cleanup(func() { require.NoError(t, backend.Close()) })

	return backend
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	reg := registry.New(nil)

	_, err := registry.Request[CreateOrgRequest, CreateOrgResponse](reg)
	require.NoError(t, err)

	_, err = registry.Notification[OrgCreated](reg)
	require.NoError(t, err)

	_, err = registry.Notification[OrgAudited](reg)
	require.NoError(t, err)

	return reg
}

func newNode(t *testing.T, backend *memory.Backend, identity string, conf nodeConfig) *node {
	t.Helper()

	log := newLogger(t)

	cfg, err := config.New()
	require.NoError(t, err)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics := bus.NewMetrics(log, provider)

	options := conf.options
	options.Namespace = "test"
	options.Identity = identity

	if options.RequestTimeout == 0 {
		options.RequestTimeout = 5 * time.Second
	}

	opts := []broker.Option{
		broker.WithOptions(options),
		broker.WithConfig(cfg),
		broker.WithMetrics(metrics),
		broker.WithTelemetry(provider, nil),
	}

	reg := newRegistry(t)
	n := &node{local: mediator.New(), reader: reader}

	n.dispatcher, err = broker.NewDispatcher(context.Background(), backend, reg, log, opts...)
	require.NoError(t, err)

	n.med = bus.NewMediator(n.local, n.dispatcher, log, metrics)

	if conf.setup != nil {
		conf.setup(n)
	}

	n.inbound, err = broker.NewInboundManager(backend, reg, n.local, log, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- n.inbound.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, n.inbound.Close())
		require.NoError(t, n.dispatcher.Close())
	})

	require.Eventually(t, n.inbound.Running, 5*time.Second, 10*time.Millisecond)

	return n
}

func counter(reader *sdkmetric.ManualReader, name string) int64 {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		return -1
	}

	var total int64

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}

			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, point := range sum.DataPoints {
					total += point.Value
				}
			}
		}
	}

	return total
}

func serveCreateOrg(handler mediator.HandlerFunc[CreateOrgRequest, CreateOrgResponse]) func(n *node) {
	return func(n *node) {
		if err := mediator.Handle(n.local, handler); err != nil {
			panic(err)
		}
	}
}

// blockingHandler answers once release is closed. Tests close release in a
// cleanup registered after their nodes so the routers can drain.
func blockingHandler(t *testing.T) (chan struct{}, func(n *node)) {
	t.Helper()

	release := make(chan struct{})

	return release, serveCreateOrg(func(_ context.Context, req CreateOrgRequest) (CreateOrgResponse, error) {
		<-release
		return CreateOrgResponse{ID: "org-" + req.Code}, nil
	})
}

func TestDispatchRoundTrip(t *testing.T) {
	backend := newBackend(t)

	newNode(t, backend, "node-b", nodeConfig{
		setup: serveCreateOrg(func(_ context.Context, req CreateOrgRequest) (CreateOrgResponse, error) {
			return CreateOrgResponse{ID: "org-" + req.Code}, nil
		}),
	})
	caller := newNode(t, backend, "node-a", nodeConfig{})

	resp, err := bus.Dispatch[CreateOrgRequest, CreateOrgResponse](context.Background(), caller.dispatcher, CreateOrgRequest{Code: "acme"})
	require.NoError(t, err)
	require.True(t, resp.OK())
	assert.Equal(t, "org-acme", resp.Content.ID)

	assert.Equal(t, 0, caller.dispatcher.Pending())
	assert.Equal(t, int64(1), counter(caller.reader, "mediator_requests_dispatched_total"))
}

func TestDispatchException(t *testing.T) {
	backend := newBackend(t)

	handler := newNode(t, backend, "node-b", nodeConfig{
		setup: serveCreateOrg(func(context.Context, CreateOrgRequest) (CreateOrgResponse, error) {
			return CreateOrgResponse{}, errors.New("code already taken")
		}),
	})
	caller := newNode(t, backend, "node-a", nodeConfig{})

	resp, err := bus.Dispatch[CreateOrgRequest, CreateOrgResponse](context.Background(), caller.dispatcher, CreateOrgRequest{Code: "acme"})
	require.NoError(t, err)
	assert.False(t, resp.OK())

	var remote *bus.RemoteError
	require.ErrorAs(t, resp.Err(), &remote)
	assert.Equal(t, "code already taken", remote.Message)
	assert.Equal(t, int64(1), counter(handler.reader, "mediator_requests_handled_total"))
}

func TestDispatchPanicBecomesException(t *testing.T) {
	backend := newBackend(t)

	newNode(t, backend, "node-b", nodeConfig{
		setup: serveCreateOrg(func(context.Context, CreateOrgRequest) (CreateOrgResponse, error) {
			panic("boom")
		}),
	})
	caller := newNode(t, backend, "node-a", nodeConfig{})

	resp, err := bus.Dispatch[CreateOrgRequest, CreateOrgResponse](context.Background(), caller.dispatcher, CreateOrgRequest{Code: "acme"})
	require.NoError(t, err)

	var remote *bus.RemoteError
	require.ErrorAs(t, resp.Err(), &remote)
	assert.Equal(t, "Panic", remote.Type)
}

func TestConcurrentDispatchCorrelation(t *testing.T) {
	backend := newBackend(t)

	// Two competing handlers with uneven latency answer out of order.
	for i, identity := range []string{"node-b", "node-c"} {
		delay := time.Duration(i+1) * 3 * time.Millisecond

		newNode(t, backend, identity, nodeConfig{
			setup: serveCreateOrg(func(_ context.Context, req CreateOrgRequest) (CreateOrgResponse, error) {
				time.Sleep(delay)
				return CreateOrgResponse{ID: "org-" + req.Code}, nil
			}),
		})
	}

	caller := newNode(t, backend, "node-a", nodeConfig{})

	const calls = 50

	g, ctx := errgroup.WithContext(context.Background())

	for i := range calls {
		g.Go(func() error {
			code := fmt.Sprintf("code-%d", i)

			resp, err := bus.Dispatch[CreateOrgRequest, CreateOrgResponse](ctx, caller.dispatcher, CreateOrgRequest{Code: code})
			if err != nil {
				return err
			}

			if resp.Content.ID != "org-"+code {
				return fmt.Errorf("request %s answered with %s", code, resp.Content.ID)
			}

			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, 0, caller.dispatcher.Pending())
}

func TestDispatchCancellationRemovesPending(t *testing.T) {
	backend := newBackend(t)

	release, setup := blockingHandler(t)
	newNode(t, backend, "node-b", nodeConfig{setup: setup})
	caller := newNode(t, backend, "node-a", nodeConfig{})

	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := caller.dispatcher.Dispatch(ctx, CreateOrgRequest{Code: "slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, caller.dispatcher.Pending())

	// The remote side still answers; the reply is discarded as an orphan.
	once.Do(func() { close(release) })

	require.Eventually(t, func() bool {
		return counter(caller.reader, "mediator_replies_orphaned_total") == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatchTimeout(t *testing.T) {
	backend := newBackend(t)

	release, setup := blockingHandler(t)
	newNode(t, backend, "node-b", nodeConfig{setup: setup})
	caller := newNode(t, backend, "node-a", nodeConfig{
		options: bus.Options{RequestTimeout: 150 * time.Millisecond},
	})

	t.Cleanup(func() { close(release) })

	_, err := caller.dispatcher.Dispatch(context.Background(), CreateOrgRequest{Code: "slow"})
	require.ErrorIs(t, err, correlation.ErrTimeout)
	assert.Equal(t, 0, caller.dispatcher.Pending())
}

func TestDispatchUnroutable(t *testing.T) {
	backend := newBackend(t)
	caller := newNode(t, backend, "node-a", nodeConfig{})

	_, err := caller.dispatcher.Dispatch(context.Background(), Unrouted{})
	require.ErrorIs(t, err, registry.ErrNoRoute)
}

func TestNotificationDedup(t *testing.T) {
	backend := newBackend(t)

	var delivered atomic.Int64

	receiver := newNode(t, backend, "node-b", nodeConfig{
		options: bus.Options{DedupEnabled: true, DedupTTL: 300 * time.Millisecond},
		setup: func(n *node) {
			mediator.Subscribe(n.local, func(context.Context, OrgCreated) error {
				delivered.Inc()
				return nil
			})
		},
	})
	sender := newNode(t, backend, "node-a", nodeConfig{})

	ctx := context.Background()
	event := OrgCreated{ID: "org-1"}

	require.NoError(t, sender.dispatcher.Notify(ctx, event))
	require.NoError(t, sender.dispatcher.Notify(ctx, event))

	require.Eventually(t, func() bool {
		return counter(receiver.reader, "mediator_notifications_deduplicated_total") == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), delivered.Load())

	time.Sleep(400 * time.Millisecond)

	require.NoError(t, sender.dispatcher.Notify(ctx, event))

	require.Eventually(t, func() bool {
		return delivered.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNotificationBroadcast(t *testing.T) {
	backend := newBackend(t)

	var delivered atomic.Int64

	subscribe := func(n *node) {
		mediator.Subscribe(n.local, func(context.Context, OrgCreated) error {
			delivered.Inc()
			return nil
		})
	}

	newNode(t, backend, "node-b", nodeConfig{setup: subscribe})
	newNode(t, backend, "node-c", nodeConfig{setup: subscribe})
	sender := newNode(t, backend, "node-a", nodeConfig{setup: subscribe})

	// Local subscribers run once in process; the sender skips its own copy.
	require.NoError(t, sender.med.Publish(context.Background(), OrgCreated{ID: "org-1"}))

	require.Eventually(t, func() bool {
		return delivered.Load() == 3
	}, 5*time.Second, 10*time.Millisecond)

	require.Never(t, func() bool {
		return delivered.Load() > 3
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestLoopPrevention(t *testing.T) {
	backend := newBackend(t)

	var (
		auditedRemote atomic.Int64
		auditedLocal  atomic.Int64
	)

	receiver := newNode(t, backend, "node-b", nodeConfig{
		setup: func(n *node) {
			mediator.Subscribe(n.local, func(ctx context.Context, event OrgCreated) error {
				return n.med.Publish(ctx, OrgAudited(event))
			})
			mediator.Subscribe(n.local, func(context.Context, OrgAudited) error {
				auditedLocal.Inc()
				return nil
			})
		},
	})
	sender := newNode(t, backend, "node-a", nodeConfig{
		setup: func(n *node) {
			mediator.Subscribe(n.local, func(context.Context, OrgAudited) error {
				auditedRemote.Inc()
				return nil
			})
		},
	})

	require.NoError(t, sender.dispatcher.Notify(context.Background(), OrgCreated{ID: "org-1"}))

	require.Eventually(t, func() bool {
		return auditedLocal.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Never(t, func() bool {
		return auditedRemote.Load() > 0
	}, 300*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, int64(0), counter(receiver.reader, "mediator_notifications_published_total"))
}

func TestGuardResetAfterPanickingSubscriber(t *testing.T) {
	backend := newBackend(t)

	var audited atomic.Int64

	receiver := newNode(t, backend, "node-b", nodeConfig{
		setup: func(n *node) {
			mediator.Subscribe(n.local, func(context.Context, OrgCreated) error {
				panic("subscriber failed")
			})
		},
	})
	newNode(t, backend, "node-c", nodeConfig{
		setup: func(n *node) {
			mediator.Subscribe(n.local, func(context.Context, OrgAudited) error {
				audited.Inc()
				return nil
			})
		},
	})
	sender := newNode(t, backend, "node-a", nodeConfig{})

	require.NoError(t, sender.dispatcher.Notify(context.Background(), OrgCreated{ID: "org-1"}))

	require.Eventually(t, func() bool {
		return counter(receiver.reader, "mediator_notifications_failed_total") == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Publishing after the panic still propagates to the fleet.
	require.NoError(t, receiver.med.Publish(context.Background(), OrgAudited{ID: "org-1"}))

	require.Eventually(t, func() bool {
		return audited.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnroutableNotificationStaysLocal(t *testing.T) {
	backend := newBackend(t)

	var delivered atomic.Int64

	sender := newNode(t, backend, "node-a", nodeConfig{
		setup: func(n *node) {
			mediator.Subscribe(n.local, func(context.Context, Unrouted) error {
				delivered.Inc()
				return nil
			})
		},
	})

	require.ErrorIs(t, sender.dispatcher.Notify(context.Background(), Unrouted{}), registry.ErrNoRoute)

	require.NoError(t, sender.med.Publish(context.Background(), Unrouted{}))
	assert.Equal(t, int64(1), delivered.Load())
	assert.Equal(t, int64(1), counter(sender.reader, "mediator_notifications_unroutable_total"))
}

func TestCreateOrgAcrossProcesses(t *testing.T) {
	backend := newBackend(t)

	var (
		seenByOrgs    atomic.Int64
		seenByBilling atomic.Int64
	)

	newNode(t, backend, "orgs", nodeConfig{
		setup: func(n *node) {
			serveCreateOrg(func(ctx context.Context, req CreateOrgRequest) (CreateOrgResponse, error) {
				id := "org-" + req.Code

				return CreateOrgResponse{ID: id}, n.med.Publish(ctx, OrgCreated{ID: id})
			})(n)

			mediator.Subscribe(n.local, func(context.Context, OrgCreated) error {
				seenByOrgs.Inc()
				return nil
			})
		},
	})

	billing := newNode(t, backend, "billing", nodeConfig{
		setup: func(n *node) {
			mediator.Subscribe(n.local, func(_ context.Context, event OrgCreated) error {
				if event.ID == "org-acme" {
					seenByBilling.Inc()
				}

				return nil
			})
		},
	})

	resp, err := bus.Dispatch[CreateOrgRequest, CreateOrgResponse](context.Background(), billing.dispatcher, CreateOrgRequest{Code: "acme"})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "org-acme", resp.Content.ID)

	require.Eventually(t, func() bool {
		return seenByBilling.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), seenByOrgs.Load())
}

func TestCloseFailsPendingRequests(t *testing.T) {
	backend := newBackend(t)

	release, setup := blockingHandler(t)
	newNode(t, backend, "node-b", nodeConfig{setup: setup})
	caller := newNode(t, backend, "node-a", nodeConfig{})

	t.Cleanup(func() { close(release) })

	errs := make(chan error, 1)

	go func() {
		_, err := caller.dispatcher.Dispatch(context.Background(), CreateOrgRequest{Code: "slow"})
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return caller.dispatcher.Pending() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, caller.dispatcher.Close())
	require.ErrorIs(t, <-errs, correlation.ErrClosed)

	require.NoError(t, caller.dispatcher.Close())

	_, err := caller.dispatcher.Dispatch(context.Background(), CreateOrgRequest{Code: "late"})
	require.ErrorIs(t, err, broker.ErrClosed)
	require.ErrorIs(t, caller.dispatcher.Notify(context.Background(), OrgCreated{}), broker.ErrClosed)
}

func TestNewDispatcherRequiresBackend(t *testing.T) {
	_, err := broker.NewDispatcher(context.Background(), nil, registry.New(nil), newLogger(t))
	require.ErrorIs(t, err, broker.ErrNilBackend)

	_, err = broker.NewInboundManager(nil, registry.New(nil), mediator.New(), newLogger(t))
	require.ErrorIs(t, err, broker.ErrNilBackend)
}
