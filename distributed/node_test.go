package distributed_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/shortlink-org/go-mediator/bus"
	"github.com/shortlink-org/go-mediator/config"
	"github.com/shortlink-org/go-mediator/distributed"
	"github.com/shortlink-org/go-mediator/logger"
	"github.com/shortlink-org/go-mediator/mediator"
	"github.com/shortlink-org/go-mediator/registry"
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

func newLogger(t *testing.T) logger.Logger {
	t.Helper()

	log, err := logger.New(logger.Configuration{Writer: io.Discard, Level: logger.ERROR_LEVEL})
	require.NoError(t, err)

	return log
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	reg := registry.New(nil)

	_, err := registry.Request[CreateOrgRequest, CreateOrgResponse](reg)
	require.NoError(t, err)

	_, err = registry.Notification[OrgCreated](reg)
	require.NoError(t, err)

	return reg
}

func newConfig(t *testing.T, values map[string]any) *config.Config {
	t.Helper()

	cfg, err := config.New()
	require.NoError(t, err)

	cfg.Set("MEDIATOR_NAMESPACE", "orgs-test")

	for key, value := range values {
		cfg.Set(key, value)
	}

	return cfg
}

// start runs node until the test ends.
func start(t *testing.T, node *distributed.Node) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- node.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, node.Close())
	})

	require.Eventually(t, node.Ready, 5*time.Second, 10*time.Millisecond)
}

func orgsMediator(t *testing.T, publish func() *bus.Mediator) *mediator.InProcess {
	t.Helper()

	local := mediator.New()

	require.NoError(t, mediator.Handle(local, func(ctx context.Context, req CreateOrgRequest) (CreateOrgResponse, error) {
		id := "org-" + req.Code

		return CreateOrgResponse{ID: id}, publish().Publish(ctx, OrgCreated{ID: id})
	}))

	return local
}

func TestBrokerNodes(t *testing.T) {
	backend := memory.New(newLogger(t))
	t.Cleanup(func() { require.NoError(t, backend.Close()) })

	var orgs *distributed.Node

	orgsLocal := orgsMediator(t, func() *bus.Mediator { return orgs.Mediator() })

	orgs, err := distributed.New(context.Background(), newLogger(t), newConfig(t, nil), newRegistry(t), orgsLocal,
		distributed.WithBackend(backend))
	require.NoError(t, err)
	start(t, orgs)

	var created atomic.Int64

	billingLocal := mediator.New()
	mediator.Subscribe(billingLocal, func(context.Context, OrgCreated) error {
		created.Inc()
		return nil
	})

	billing, err := distributed.New(context.Background(), newLogger(t), newConfig(t, nil), newRegistry(t), billingLocal,
		distributed.WithBackend(backend))
	require.NoError(t, err)
	start(t, billing)

	resp, err := bus.Dispatch[CreateOrgRequest, CreateOrgResponse](context.Background(), billing.Dispatcher(), CreateOrgRequest{Code: "acme"})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "org-acme", resp.Content.ID)

	require.Eventually(t, func() bool {
		return created.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRPCNodes(t *testing.T) {
	listeners := map[string]*bufconn.Listener{
		"orgs":    bufconn.Listen(1 << 20),
		"billing": bufconn.Listen(1 << 20),
	}

	dialer := grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := listeners[addr]
		if !ok {
			return nil, errors.New("unknown address " + addr)
		}

		return lis.DialContext(ctx)
	})

	reg := newRegistry(t)
	requestRoute, err := reg.RequestRoute(CreateOrgRequest{})
	require.NoError(t, err)
	notificationRoute, err := reg.NotificationRoute(OrgCreated{})
	require.NoError(t, err)

	rpcConfig := func(routes string) *config.Config {
		return newConfig(t, map[string]any{
			"MEDIATOR_TRANSPORT":  "rpc",
			"MEDIATOR_RPC_ROUTES": routes,
		})
	}

	var created atomic.Int64

	billingLocal := mediator.New()
	mediator.Subscribe(billingLocal, func(context.Context, OrgCreated) error {
		created.Inc()
		return nil
	})

	billing, err := distributed.New(context.Background(), newLogger(t),
		rpcConfig(requestRoute.Channel+"=passthrough:///orgs"), newRegistry(t), billingLocal,
		distributed.WithRPCListener(listeners["billing"]), distributed.WithRPCDialOptions(dialer))
	require.NoError(t, err)
	start(t, billing)

	var orgs *distributed.Node

	orgsLocal := orgsMediator(t, func() *bus.Mediator { return orgs.Mediator() })

	orgs, err = distributed.New(context.Background(), newLogger(t),
		rpcConfig(notificationRoute.Channel+"=passthrough:///billing"), newRegistry(t), orgsLocal,
		distributed.WithRPCListener(listeners["orgs"]), distributed.WithRPCDialOptions(dialer))
	require.NoError(t, err)
	start(t, orgs)

	resp, err := bus.Dispatch[CreateOrgRequest, CreateOrgResponse](context.Background(), billing.Dispatcher(), CreateOrgRequest{Code: "acme"})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "org-acme", resp.Content.ID)

	// The RPC notification completes before the request returns.
	assert.Equal(t, int64(1), created.Load())
}

func TestHealthHandler(t *testing.T) {
	backend := memory.New(newLogger(t))
	t.Cleanup(func() { require.NoError(t, backend.Close()) })

	local := mediator.New()
	mediator.Subscribe(local, func(context.Context, OrgCreated) error { return nil })

	node, err := distributed.New(context.Background(), newLogger(t), newConfig(t, nil), newRegistry(t), local,
		distributed.WithBackend(backend))
	require.NoError(t, err)

	health := node.HealthHandler()

	probe := func(path string) int {
		rec := httptest.NewRecorder()
		health.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		return rec.Code
	}

	assert.Equal(t, http.StatusOK, probe("/live"))
	assert.Equal(t, http.StatusServiceUnavailable, probe("/ready"))

	start(t, node)

	assert.Equal(t, http.StatusOK, probe("/ready"))
}

func TestPrometheusExport(t *testing.T) {
	backend := memory.New(newLogger(t))
	t.Cleanup(func() { require.NoError(t, backend.Close()) })

	prom := prometheus.NewRegistry()

	var orgs *distributed.Node

	local := orgsMediator(t, func() *bus.Mediator { return orgs.Mediator() })

	orgs, err := distributed.New(context.Background(), newLogger(t), newConfig(t, nil), newRegistry(t), local,
		distributed.WithBackend(backend), distributed.WithPrometheus(prom))
	require.NoError(t, err)
	start(t, orgs)

	_, err = bus.Dispatch[CreateOrgRequest, CreateOrgResponse](context.Background(), orgs.Dispatcher(), CreateOrgRequest{Code: "acme"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	orgs.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mediator_requests_dispatched_total")
	assert.Contains(t, rec.Body.String(), "mediator_requests_handled_total")
	assert.Contains(t, rec.Body.String(), "go_build_info")
}

func TestMetricsHandlerWithoutRegistry(t *testing.T) {
	backend := memory.New(newLogger(t))
	t.Cleanup(func() { require.NoError(t, backend.Close()) })

	node, err := distributed.New(context.Background(), newLogger(t), newConfig(t, nil), newRegistry(t), mediator.New(),
		distributed.WithBackend(backend))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, node.Close()) })

	rec := httptest.NewRecorder()
	node.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewRejectsUnknownTransport(t *testing.T) {
	_, err := distributed.New(context.Background(), newLogger(t),
		newConfig(t, map[string]any{"MEDIATOR_TRANSPORT": "carrier-pigeon"}), newRegistry(t), mediator.New())
	require.Error(t, err)
}
