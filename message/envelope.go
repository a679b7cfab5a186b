package message

import (
	"errors"
	"fmt"

	"github.com/segmentio/encoding/json"
)

// ErrInvalidResponse reports a response envelope that breaks the Ok/Exception contract.
var ErrInvalidResponse = errors.New("message: invalid response envelope")

// Status tags the outcome carried by a ResponseMessage.
type Status string

const (
	StatusOk        Status = "Ok"
	StatusException Status = "Exception"
)

// RequestMessage is the envelope of an outbound request.
type RequestMessage struct {
	Body        string `json:"body"`
	ChannelName string `json:"channelName"`
}

// NotifyMessage is the envelope of a broadcast notification.
type NotifyMessage struct {
	Body        string `json:"body"`
	ChannelName string `json:"channelName"`
}

// SerializedError is a handler failure in transportable form.
type SerializedError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *SerializedError) Error() string {
	if e == nil {
		return ""
	}

	return e.Type + ": " + e.Message
}

// ResponseMessage carries either serialized content or a serialized error.
type ResponseMessage struct {
	Content   string           `json:"content,omitempty"`
	Exception *SerializedError `json:"exception,omitempty"`
	Status    Status           `json:"status"`
}

// OkResponse wraps a serialized handler result.
func OkResponse(content []byte) ResponseMessage {
	return ResponseMessage{
		Content: string(content),
		Status:  StatusOk,
	}
}

// ExceptionResponse wraps a handler failure.
func ExceptionResponse(err error) ResponseMessage {
	if err == nil {
		err = errors.New("unknown error")
	}

	return ResponseMessage{
		Exception: &SerializedError{
			Type:    errorType(err),
			Message: err.Error(),
		},
		Status: StatusException,
	}
}

// Validate checks that exactly one outcome is present.
func (r *ResponseMessage) Validate() error {
	switch r.Status {
	case StatusOk:
		if r.Exception != nil {
			return fmt.Errorf("%w: ok response carries an exception", ErrInvalidResponse)
		}
	case StatusException:
		if r.Exception == nil || r.Exception.Message == "" {
			return fmt.Errorf("%w: exception response without error payload", ErrInvalidResponse)
		}

		if r.Content != "" {
			return fmt.Errorf("%w: exception response carries content", ErrInvalidResponse)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidResponse, r.Status)
	}

	return nil
}

// CorrelatedRequest wraps a request published on a log broker.
type CorrelatedRequest struct {
	Message       RequestMessage `json:"message"`
	CorrelationID string         `json:"correlationId"`
	ReplyTo       string         `json:"replyTo"`
}

// CorrelatedReply wraps a response published back onto the caller's reply channel.
type CorrelatedReply struct {
	Reply         ResponseMessage `json:"reply"`
	CorrelationID string          `json:"correlationId"`
}

// Encode serializes an envelope into its wire form.
func Encode(envelope any) ([]byte, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("message: encode %T: %w", envelope, err)
	}

	return payload, nil
}

// Decode parses an envelope from its wire form.
func Decode(payload []byte, envelope any) error {
	if err := json.Unmarshal(payload, envelope); err != nil {
		return fmt.Errorf("message: decode %T: %w", envelope, err)
	}

	return nil
}

type typedError interface {
	ErrorType() string
}

func errorType(err error) string {
	var typed typedError
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}

	return fmt.Sprintf("%T", err)
}
