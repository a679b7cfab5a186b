package mediator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrNoHandler is returned by Send when no handler is registered for the request type.
	ErrNoHandler = errors.New("mediator: no handler registered")
	// ErrDuplicateHandler is returned by Handle when the request type already has a handler.
	ErrDuplicateHandler = errors.New("mediator: handler already registered")
	// ErrUnexpectedType is returned when a handler receives a value of another type.
	ErrUnexpectedType = errors.New("mediator: unexpected message type")
)

// HandlerFunc handles one request type.
type HandlerFunc[TReq, TResp any] func(ctx context.Context, request TReq) (TResp, error)

// SubscriberFunc receives one notification type.
type SubscriberFunc[T any] func(ctx context.Context, notification T) error

type (
	requestHandler      func(ctx context.Context, request any) (any, error)
	notificationHandler func(ctx context.Context, notification any) error
)

// InProcess is a map-backed Mediator. Handlers are matched on the exact
// dynamic type of the message.
type InProcess struct {
	mu          sync.RWMutex
	handlers    map[reflect.Type]requestHandler
	subscribers map[reflect.Type][]notificationHandler
}

// New creates an empty in-process mediator.
func New() *InProcess {
	return &InProcess{
		handlers:    make(map[reflect.Type]requestHandler),
		subscribers: make(map[reflect.Type][]notificationHandler),
	}
}

// Handle registers the handler of TReq.
func Handle[TReq, TResp any](m *InProcess, handler HandlerFunc[TReq, TResp]) error {
	key := reflect.TypeFor[TReq]()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.handlers[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, key)
	}

	m.handlers[key] = func(ctx context.Context, request any) (any, error) {
		typed, ok := request.(TReq)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnexpectedType, request)
		}

		return handler(ctx, typed)
	}

	return nil
}

// Subscribe adds a subscriber of T. Subscribers run in registration order.
func Subscribe[T any](m *InProcess, subscriber SubscriberFunc[T]) {
	key := reflect.TypeFor[T]()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscribers[key] = append(m.subscribers[key], func(ctx context.Context, notification any) error {
		typed, ok := notification.(T)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnexpectedType, notification)
		}

		return subscriber(ctx, typed)
	})
}

func (m *InProcess) Send(ctx context.Context, request any) (any, error) {
	m.mu.RLock()
	handler, ok := m.handlers[reflect.TypeOf(request)]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNoHandler, request)
	}

	return handler(ctx, request)
}

// Publish runs every subscriber of the notification type and joins their errors.
func (m *InProcess) Publish(ctx context.Context, notification any) error {
	m.mu.RLock()
	subscribers := m.subscribers[reflect.TypeOf(notification)]
	m.mu.RUnlock()

	var errs *multierror.Error

	for _, subscriber := range subscribers {
		if err := subscriber(ctx, notification); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

func (m *InProcess) CanSend(t reflect.Type) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.handlers[t]

	return ok
}

func (m *InProcess) CanPublish(t reflect.Type) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.subscribers[t]) > 0
}
