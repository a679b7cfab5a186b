// Package registry maps message types to fleet-wide channel names and keeps
// the typed handler table used to serve inbound messages.
package registry

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shortlink-org/go-mediator/mediator"
	"github.com/shortlink-org/go-mediator/message"
)

// Invoker decodes a body, runs it through the local mediator and returns the
// serialized result (nil for notifications).
type Invoker func(ctx context.Context, local mediator.Mediator, serializer message.Serializer, body []byte) ([]byte, error)

// Route binds one message type to its channel.
type Route struct {
	Channel      string
	Kind         message.Kind
	Type         reflect.Type
	ResponseType reflect.Type

	invoke Invoker
}

// Invoke runs the route's typed handler. Panics come back as *PanicError.
func (r Route) Invoke(
	ctx context.Context,
	local mediator.Mediator,
	serializer message.Serializer,
	body []byte,
) (result []byte, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = &PanicError{Value: recovered}
		}
	}()

	if r.invoke == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, r.Channel)
	}

	return r.invoke(ctx, local, serializer, body)
}

// Destination is an RPC endpoint serving a channel.
type Destination struct {
	Address string
	Options ChannelOptions
}

// ChannelOptions tune the connection to a destination.
type ChannelOptions struct {
	TLS      bool
	CertFile string
	Timeout  time.Duration
}

// RouteOption customizes a registration.
type RouteOption func(*routeConfig)

type routeConfig struct {
	channel      string
	destinations []Destination
}

// WithChannel pins the channel name instead of deriving it from the type.
func WithChannel(name string) RouteOption {
	return func(c *routeConfig) {
		c.channel = message.SanitizeChannel(name)
	}
}

// WithDestinations attaches RPC destinations to the route.
func WithDestinations(destinations ...Destination) RouteOption {
	return func(c *routeConfig) {
		c.destinations = append(c.destinations, destinations...)
	}
}

type routeKey struct {
	kind message.Kind
	typ  reflect.Type
}

// Registry is written at startup and read on every dispatch.
type Registry struct {
	mu           sync.RWMutex
	namer        message.Namer
	byType       map[routeKey]Route
	byChannel    map[string]Route
	destinations map[string][]Destination
}

// New creates an empty registry naming channels with namer.
func New(namer message.Namer) *Registry {
	if namer == nil {
		namer = message.NewTypeNamer("")
	}

	return &Registry{
		namer:        namer,
		byType:       make(map[routeKey]Route),
		byChannel:    make(map[string]Route),
		destinations: make(map[string][]Destination),
	}
}

func (r *Registry) Namer() message.Namer {
	return r.namer
}

// Request registers TReq as a request answered with TResp.
func Request[TReq, TResp any](r *Registry, opts ...RouteOption) (Route, error) {
	reqType := reflect.TypeFor[TReq]()
	if reqType.Kind() == reflect.Interface {
		return Route{}, fmt.Errorf("%w: %s", ErrInvalidType, reqType)
	}

	route := Route{
		Kind:         message.KindRequest,
		Type:         reqType,
		ResponseType: reflect.TypeFor[TResp](),
		invoke: func(ctx context.Context, local mediator.Mediator, serializer message.Serializer, body []byte) ([]byte, error) {
			var request TReq
			if err := serializer.Unmarshal(body, &request); err != nil {
				return nil, fmt.Errorf("registry: decode %s: %w", reqType, err)
			}

			result, err := local.Send(ctx, request)
			if err != nil {
				return nil, err
			}

			response, ok := result.(TResp)
			if !ok && result != nil {
				return nil, fmt.Errorf("%w: handler of %s returned %T", ErrTypeMismatch, reqType, result)
			}

			return serializer.Marshal(response)
		},
	}

	return r.add(route, opts...)
}

// Notification registers T as a broadcast notification.
func Notification[T any](r *Registry, opts ...RouteOption) (Route, error) {
	typ := reflect.TypeFor[T]()
	if typ.Kind() == reflect.Interface {
		return Route{}, fmt.Errorf("%w: %s", ErrInvalidType, typ)
	}

	route := Route{
		Kind: message.KindNotification,
		Type: typ,
		invoke: func(ctx context.Context, local mediator.Mediator, serializer message.Serializer, body []byte) ([]byte, error) {
			var notification T
			if err := serializer.Unmarshal(body, &notification); err != nil {
				return nil, fmt.Errorf("registry: decode %s: %w", typ, err)
			}

			return nil, local.Publish(ctx, notification)
		},
	}

	return r.add(route, opts...)
}

func (r *Registry) add(route Route, opts ...RouteOption) (Route, error) {
	cfg := routeConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	route.Channel = cfg.channel
	if route.Channel == "" {
		route.Channel = r.namer.ChannelName(route.Kind, reflect.Zero(route.Type).Interface())
	}

	key := routeKey{kind: route.Kind, typ: baseType(route.Type)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byType[key]; ok {
		return Route{}, fmt.Errorf("%w: %s %s", ErrDuplicateRoute, route.Kind, route.Type)
	}

	if existing, ok := r.byChannel[route.Channel]; ok {
		return Route{}, fmt.Errorf("%w: channel %s is bound to %s", ErrDuplicateRoute, route.Channel, existing.Type)
	}

	r.byType[key] = route
	r.byChannel[route.Channel] = route

	if len(cfg.destinations) > 0 {
		r.destinations[route.Channel] = append(r.destinations[route.Channel], cfg.destinations...)
	}

	return route, nil
}

// RequestRoute resolves the request route of v's dynamic type.
func (r *Registry) RequestRoute(v any) (Route, error) {
	return r.resolve(message.KindRequest, v)
}

// NotificationRoute resolves the notification route of v's dynamic type.
func (r *Registry) NotificationRoute(v any) (Route, error) {
	return r.resolve(message.KindNotification, v)
}

func (r *Registry) resolve(kind message.Kind, v any) (Route, error) {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return Route{}, fmt.Errorf("%w: nil %s", ErrNoRoute, kind)
	}

	r.mu.RLock()
	route, ok := r.byType[routeKey{kind: kind, typ: baseType(typ)}]
	r.mu.RUnlock()

	if !ok {
		return Route{}, fmt.Errorf("%w: %s %s", ErrNoRoute, kind, typ)
	}

	return route, nil
}

// ByChannel resolves an inbound channel name.
func (r *Registry) ByChannel(channel string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.byChannel[channel]

	return route, ok
}

// Routes returns every route ordered by channel name.
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	routes := make([]Route, 0, len(r.byChannel))
	for _, route := range r.byChannel {
		routes = append(routes, route)
	}
	r.mu.RUnlock()

	slices.SortFunc(routes, func(a, b Route) int {
		return strings.Compare(a.Channel, b.Channel)
	})

	return routes
}

// AddDestinations attaches RPC destinations to an already registered channel.
func (r *Registry) AddDestinations(channel string, destinations ...Destination) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byChannel[channel]; !ok {
		return fmt.Errorf("%w: channel %s", ErrNoRoute, channel)
	}

	for _, destination := range destinations {
		if strings.TrimSpace(destination.Address) == "" {
			return fmt.Errorf("%w: empty address for %s", ErrInvalidDestinations, channel)
		}
	}

	r.destinations[channel] = append(r.destinations[channel], destinations...)

	return nil
}

// Destinations returns a copy of the destinations of channel.
func (r *Registry) Destinations(channel string) []Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.destinations[channel])
}

// Handles reports whether local serves route, asking it when it implements
// mediator.Capabilities and assuming yes otherwise.
func Handles(local mediator.Mediator, route Route) bool {
	capabilities, ok := local.(mediator.Capabilities)
	if !ok {
		return true
	}

	if route.Kind == message.KindRequest {
		return capabilities.CanSend(route.Type)
	}

	return capabilities.CanPublish(route.Type)
}

func baseType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	return t
}
