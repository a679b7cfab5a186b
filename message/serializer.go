package message

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/segmentio/encoding/json"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var (
	// ErrUnknownSerializer is returned by NewSerializer for an unsupported name.
	ErrUnknownSerializer = errors.New("message: unknown serializer")
	// ErrNotProto is returned when protojson is asked to handle a non-proto value.
	ErrNotProto = errors.New("message: value is not a proto.Message")
)

// Serializer turns payloads into the UTF-8 text carried by envelope bodies.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

// NewSerializer resolves a serializer by its configuration name.
//
//nolint:ireturn // It's made by design
func NewSerializer(name string) (Serializer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONSerializer{}, nil
	case "protojson", "proto":
		return ProtoJSONSerializer{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSerializer, name)
	}
}

// JSONSerializer encodes payloads as JSON.
type JSONSerializer struct{}

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONSerializer) ContentType() string {
	return "application/json"
}

// ProtoJSONSerializer encodes protobuf payloads with the canonical JSON mapping
// and falls back to plain JSON for everything else.
type ProtoJSONSerializer struct{}

func (ProtoJSONSerializer) Marshal(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return protojson.Marshal(msg)
	}

	if msg, ok := addressableProto(v); ok {
		return protojson.Marshal(msg)
	}

	return json.Marshal(v)
}

func (ProtoJSONSerializer) Unmarshal(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, msg)
	}

	// **T where *T is a generated message
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() == reflect.Pointer {
		elem := reflect.New(rv.Elem().Type().Elem())
		if msg, ok := elem.Interface().(proto.Message); ok {
			if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, msg); err != nil {
				return err
			}

			rv.Elem().Set(elem)

			return nil
		}
	}

	return json.Unmarshal(data, v)
}

func (ProtoJSONSerializer) ContentType() string {
	return "application/protobuf+json"
}

func addressableProto(v any) (proto.Message, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() == reflect.Pointer {
		return nil, false
	}

	ptr := reflect.New(rv.Type())
	ptr.Elem().Set(rv)

	msg, ok := ptr.Interface().(proto.Message)

	return msg, ok
}
