// Package bus is the caller-facing side of the distributed mediator: the
// Dispatcher contract shared by the transports, the typed Dispatch and
// Notify helpers and the propagation-aware Mediator wrapper.
package bus

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/shortlink-org/go-mediator/message"
	"github.com/shortlink-org/go-mediator/registry"
)

var (
	ErrNilDispatcher = errors.New("bus: dispatcher is nil")
	ErrNilPayload    = errors.New("bus: payload is nil")
)

// Dispatcher sends requests and notifications to the fleet over one transport.
type Dispatcher interface {
	// Dispatch delivers req to exactly one handler and waits for its response.
	Dispatch(ctx context.Context, req any) (*message.ResponseMessage, error)
	// Notify delivers n to every subscribing process.
	Notify(ctx context.Context, n any) error
	Serializer() message.Serializer
	Registry() *registry.Registry
	Close() error
}

// Dispatch sends req and decodes a successful response into TResp. A remote
// failure is not an error here: it is reported by Response.Err.
func Dispatch[TReq, TResp any](ctx context.Context, d Dispatcher, req TReq) (Response[TResp], error) {
	if d == nil {
		return Response[TResp]{}, ErrNilDispatcher
	}

	if any(req) == nil {
		return Response[TResp]{}, ErrNilPayload
	}

	route, err := d.Registry().RequestRoute(req)
	if err != nil {
		return Response[TResp]{}, err
	}

	if err := checkResponseType[TResp](route); err != nil {
		return Response[TResp]{}, err
	}

	raw, err := d.Dispatch(ctx, req)
	if err != nil {
		return Response[TResp]{}, err
	}

	return Decode[TResp](d.Serializer(), raw)
}

// Notify broadcasts n to the fleet.
func Notify[T any](ctx context.Context, d Dispatcher, n T) error {
	if d == nil {
		return ErrNilDispatcher
	}

	if any(n) == nil {
		return ErrNilPayload
	}

	return d.Notify(ctx, n)
}

func checkResponseType[TResp any](route registry.Route) error {
	want := reflect.TypeFor[TResp]()
	if want.Kind() == reflect.Interface || route.ResponseType == nil {
		return nil
	}

	if want != route.ResponseType {
		return fmt.Errorf("%w: %s answers %s, not %s",
			registry.ErrTypeMismatch, route.Channel, route.ResponseType, want)
	}

	return nil
}
