// Package mediator holds the in-process send/publish contract the distributed
// layer builds on, a small reference implementation of it, and the
// propagation guard carried through context.
package mediator

import (
	"context"
	"reflect"
)

// Mediator dispatches a typed message to a typed handler or to a set of
// subscribers within one process.
type Mediator interface {
	Send(ctx context.Context, request any) (any, error)
	Publish(ctx context.Context, notification any) error
}

// Capabilities is implemented by mediators that can tell which message types
// they handle locally.
type Capabilities interface {
	CanSend(t reflect.Type) bool
	CanPublish(t reflect.Type) bool
}

type suppressKey struct{}

// WithoutPropagation marks ctx so that publishing through it reaches local
// subscribers only and is never re-broadcast to the fleet.
func WithoutPropagation(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, suppressKey{}, true)
}

// PropagationSuppressed reports whether ctx came from WithoutPropagation.
func PropagationSuppressed(ctx context.Context) bool {
	if ctx == nil {
		return false
	}

	suppressed, _ := ctx.Value(suppressKey{}).(bool)

	return suppressed
}
