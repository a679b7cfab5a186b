package message

import (
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"google.golang.org/protobuf/proto"
)

const (
	defaultNamespace = "mediator"
	defaultVersion   = "v1"

	// maxChannelLength is the Kafka topic name limit.
	maxChannelLength = 249
)

var invalidChannelChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// Kind distinguishes request channels from notification channels.
type Kind string

const (
	KindRequest      Kind = "request"
	KindNotification Kind = "notification"
	KindReply        Kind = "reply"
)

// Named lets a type pick its own fleet-wide channel name.
type Named interface {
	ChannelName() string
}

// Namer derives channel names from Go types.
type Namer interface {
	ChannelName(kind Kind, v any) string
	Namespace() string
}

// TypeNamer builds names as {namespace}.{kind}.{qualified_type}.{version}.
//
// The qualified type is the protobuf full name for proto messages and the Go
// package path plus type name otherwise, so the result depends on the type
// alone and matches on every process of the fleet.
type TypeNamer struct {
	namespace string
	version   string
}

// NewTypeNamer creates a namer bound to a namespace shared by the fleet.
func NewTypeNamer(namespace string) *TypeNamer {
	namespace = normalizeSegment(namespace)
	if namespace == "" {
		namespace = defaultNamespace
	}

	return &TypeNamer{
		namespace: namespace,
		version:   defaultVersion,
	}
}

func (n *TypeNamer) Namespace() string {
	return n.namespace
}

// ChannelName returns the channel name of v for the given kind.
func (n *TypeNamer) ChannelName(kind Kind, v any) string {
	if named, ok := v.(Named); ok && strings.TrimSpace(named.ChannelName()) != "" {
		return SanitizeChannel(named.ChannelName())
	}

	name := strings.Join([]string{n.namespace, string(kind), qualifiedName(v), n.version}, ".")

	return SanitizeChannel(name)
}

// ChannelFor is a shorthand for TypeNamer.ChannelName on the zero value of T.
func ChannelFor[T any](n Namer, kind Kind) string {
	var zero T

	return n.ChannelName(kind, zero)
}

// SanitizeChannel lower-cases name and strips characters brokers reject.
func SanitizeChannel(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "/", ".")
	name = strings.ReplaceAll(name, " ", "_")
	name = invalidChannelChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, ".")

	if len(name) > maxChannelLength {
		name = name[:maxChannelLength]
	}

	return name
}

func qualifiedName(v any) string {
	if msg, ok := toProto(v); ok {
		return camelToSnake(string(proto.MessageName(msg)))
	}

	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}

	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	name := camelToSnake(t.Name())
	if pkg := t.PkgPath(); pkg != "" {
		return pkg + "." + name
	}

	return name
}

func toProto(v any) (proto.Message, bool) {
	if msg, ok := v.(proto.Message); ok {
		return msg, true
	}

	t := reflect.TypeOf(v)
	if t == nil || t.Kind() == reflect.Pointer {
		return nil, false
	}

	// value types of generated messages name the same proto type
	if msg, ok := reflect.New(t).Interface().(proto.Message); ok {
		return msg, true
	}

	return nil, false
}

// camelToSnake converts CamelCase to snake_case, keeping dots as they are.
func camelToSnake(s string) string {
	if s == "" {
		return ""
	}

	runes := []rune(s)

	var b strings.Builder
	b.Grow(len(s) + 4)

	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '.' && runes[i-1] != '_' &&
				(unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
					(i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}

			b.WriteRune(unicode.ToLower(r))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

func normalizeSegment(s string) string {
	return SanitizeChannel(s)
}
