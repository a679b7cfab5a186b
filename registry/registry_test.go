package registry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlink-org/go-mediator/mediator"
	"github.com/shortlink-org/go-mediator/message"
	"github.com/shortlink-org/go-mediator/registry"
)

type CreateOrgRequest struct {
	Code string `json:"code"`
}

type CreateOrgResponse struct {
	ID string `json:"id"`
}

type OrgCreated struct {
	ID string `json:"id"`
}

type pinned struct{}

func (pinned) ChannelName() string { return "Billing/Invoices Paid" }

func TestRequestRoute(t *testing.T) {
	reg := registry.New(message.NewTypeNamer("acme"))

	route, err := registry.Request[CreateOrgRequest, CreateOrgResponse](reg)
	require.NoError(t, err)

	assert.Equal(t, message.KindRequest, route.Kind)
	assert.Contains(t, route.Channel, "acme.request.")
	assert.Contains(t, route.Channel, "create_org_request.v1")

	byValue, err := reg.RequestRoute(CreateOrgRequest{})
	require.NoError(t, err)
	assert.Equal(t, route.Channel, byValue.Channel)

	byPointer, err := reg.RequestRoute(&CreateOrgRequest{})
	require.NoError(t, err)
	assert.Equal(t, route.Channel, byPointer.Channel)

	_, err = reg.NotificationRoute(CreateOrgRequest{})
	require.ErrorIs(t, err, registry.ErrNoRoute)

	_, err = reg.RequestRoute(nil)
	require.ErrorIs(t, err, registry.ErrNoRoute)

	got, ok := reg.ByChannel(route.Channel)
	require.True(t, ok)
	assert.Equal(t, route.Type, got.Type)
}

func TestRegistrationErrors(t *testing.T) {
	reg := registry.New(nil)

	_, err := registry.Request[CreateOrgRequest, CreateOrgResponse](reg)
	require.NoError(t, err)

	_, err = registry.Request[*CreateOrgRequest, CreateOrgResponse](reg)
	require.ErrorIs(t, err, registry.ErrDuplicateRoute)

	_, err = registry.Notification[OrgCreated](reg, registry.WithChannel("shared"))
	require.NoError(t, err)

	_, err = registry.Notification[pinned](reg, registry.WithChannel("shared"))
	require.ErrorIs(t, err, registry.ErrDuplicateRoute)

	_, err = registry.Notification[fmt.Stringer](reg)
	require.ErrorIs(t, err, registry.ErrInvalidType)
}

func TestNamedOverride(t *testing.T) {
	reg := registry.New(nil)

	route, err := registry.Notification[pinned](reg)
	require.NoError(t, err)
	assert.Equal(t, "billing.invoices_paid", route.Channel)
}

func TestInvoke(t *testing.T) {
	local := mediator.New()
	require.NoError(t, mediator.Handle(local, func(_ context.Context, req CreateOrgRequest) (CreateOrgResponse, error) {
		if req.Code == "" {
			return CreateOrgResponse{}, errors.New("code is required")
		}

		return CreateOrgResponse{ID: "org-" + req.Code}, nil
	}))

	var received []string
	mediator.Subscribe(local, func(_ context.Context, n OrgCreated) error {
		received = append(received, n.ID)
		return nil
	})

	reg := registry.New(nil)
	serializer := message.JSONSerializer{}

	request, err := registry.Request[CreateOrgRequest, CreateOrgResponse](reg)
	require.NoError(t, err)

	notification, err := registry.Notification[OrgCreated](reg)
	require.NoError(t, err)

	out, err := request.Invoke(context.Background(), local, serializer, []byte(`{"code":"1.2"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"org-1.2"}`, string(out))

	_, err = request.Invoke(context.Background(), local, serializer, []byte(`{}`))
	require.ErrorContains(t, err, "code is required")

	_, err = request.Invoke(context.Background(), local, serializer, []byte(`not json`))
	require.Error(t, err)

	out, err = notification.Invoke(context.Background(), local, serializer, []byte(`{"id":"7"}`))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, []string{"7"}, received)

	assert.True(t, registry.Handles(local, request))
	assert.True(t, registry.Handles(local, notification))
	assert.False(t, registry.Handles(mediator.New(), request))
}

func TestInvokeRecoversPanic(t *testing.T) {
	local := mediator.New()
	require.NoError(t, mediator.Handle(local, func(context.Context, CreateOrgRequest) (CreateOrgResponse, error) {
		panic("boom")
	}))

	reg := registry.New(nil)
	route, err := registry.Request[CreateOrgRequest, CreateOrgResponse](reg)
	require.NoError(t, err)

	_, err = route.Invoke(context.Background(), local, message.JSONSerializer{}, []byte(`{}`))

	var panicErr *registry.PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "boom", panicErr.Value)
}

func TestInvokeTypeMismatch(t *testing.T) {
	reg := registry.New(nil)
	route, err := registry.Request[CreateOrgRequest, CreateOrgResponse](reg)
	require.NoError(t, err)

	local := mediator.New()
	require.NoError(t, mediator.Handle(local, func(context.Context, CreateOrgRequest) (string, error) {
		return "wrong", nil
	}))

	_, err = route.Invoke(context.Background(), local, message.JSONSerializer{}, []byte(`{}`))
	require.ErrorIs(t, err, registry.ErrTypeMismatch)
}

func TestDestinations(t *testing.T) {
	reg := registry.New(nil)

	route, err := registry.Request[CreateOrgRequest, CreateOrgResponse](reg,
		registry.WithDestinations(registry.Destination{Address: "orgs:50051"}))
	require.NoError(t, err)

	require.NoError(t, reg.AddDestinations(route.Channel, registry.Destination{Address: "orgs-2:50051"}))
	require.ErrorIs(t, reg.AddDestinations("unknown"), registry.ErrNoRoute)
	require.ErrorIs(t, reg.AddDestinations(route.Channel, registry.Destination{}), registry.ErrInvalidDestinations)

	destinations := reg.Destinations(route.Channel)
	require.Len(t, destinations, 2)
	assert.Equal(t, "orgs:50051", destinations[0].Address)

	destinations[0].Address = "mutated"
	assert.Equal(t, "orgs:50051", reg.Destinations(route.Channel)[0].Address)
}

func TestParseDestinations(t *testing.T) {
	parsed, err := registry.ParseDestinations(" a.b = h1:1, h2:2 ; c=h3:3;", registry.ChannelOptions{TLS: true})
	require.NoError(t, err)

	require.Len(t, parsed["a.b"], 2)
	assert.Equal(t, "h2:2", parsed["a.b"][1].Address)
	assert.True(t, parsed["c"][0].Options.TLS)

	_, err = registry.ParseDestinations("missing-equals", registry.ChannelOptions{})
	require.ErrorIs(t, err, registry.ErrInvalidDestinations)

	_, err = registry.ParseDestinations("a=", registry.ChannelOptions{})
	require.ErrorIs(t, err, registry.ErrInvalidDestinations)

	empty, err := registry.ParseDestinations("", registry.ChannelOptions{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestConcurrentLookups(t *testing.T) {
	reg := registry.New(nil)

	_, err := registry.Request[CreateOrgRequest, CreateOrgResponse](reg)
	require.NoError(t, err)

	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			route, err := reg.RequestRoute(&CreateOrgRequest{Code: fmt.Sprint(i)})
			assert.NoError(t, err)
			assert.NotEmpty(t, reg.Routes())
			_, ok := reg.ByChannel(route.Channel)
			assert.True(t, ok)
		}()
	}

	wg.Wait()
}
