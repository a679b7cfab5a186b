package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRoute is returned when a type has no registered channel.
	ErrNoRoute = errors.New("registry: no route registered")
	// ErrNoDestination is returned when an RPC channel has no known destination.
	ErrNoDestination = errors.New("registry: no destination registered")
	// ErrDuplicateRoute is returned when a channel or type is registered twice.
	ErrDuplicateRoute = errors.New("registry: route already registered")
	// ErrTypeMismatch is returned when a payload or result has an unexpected type.
	ErrTypeMismatch = errors.New("registry: type mismatch")
	// ErrInvalidType is returned for types that cannot be routed, such as interfaces.
	ErrInvalidType = errors.New("registry: type cannot be routed")
	// ErrInvalidDestinations is returned by ParseDestinations on malformed input.
	ErrInvalidDestinations = errors.New("registry: invalid destinations")
)

// PanicError carries a value recovered from a local handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

func (e *PanicError) ErrorType() string {
	return "Panic"
}
