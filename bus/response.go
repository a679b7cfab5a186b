package bus

import (
	"fmt"

	"github.com/shortlink-org/go-mediator/message"
)

// Response is a decoded response envelope.
type Response[T any] struct {
	Content   T
	Exception *message.SerializedError
	Status    message.Status
}

func (r Response[T]) OK() bool {
	return r.Status == message.StatusOk
}

// Err returns the remote handler failure, or nil for a successful response.
func (r Response[T]) Err() error {
	if r.Status != message.StatusException {
		return nil
	}

	if r.Exception == nil {
		return &RemoteError{Type: "Unknown"}
	}

	return &RemoteError{Type: r.Exception.Type, Message: r.Exception.Message}
}

// RemoteError is a handler failure raised on another process.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Type, e.Message)
}

// ErrorType keeps the original type name when the error is forwarded again.
func (e *RemoteError) ErrorType() string {
	return e.Type
}

// Decode validates raw and unmarshals its content into T.
func Decode[T any](serializer message.Serializer, raw *message.ResponseMessage) (Response[T], error) {
	if raw == nil {
		return Response[T]{}, fmt.Errorf("%w: empty response", message.ErrInvalidResponse)
	}

	if err := raw.Validate(); err != nil {
		return Response[T]{}, err
	}

	resp := Response[T]{
		Exception: raw.Exception,
		Status:    raw.Status,
	}

	if raw.Status == message.StatusOk && raw.Content != "" {
		if err := serializer.Unmarshal([]byte(raw.Content), &resp.Content); err != nil {
			return Response[T]{}, fmt.Errorf("bus: decode response content: %w", err)
		}
	}

	return resp, nil
}
