package message

import (
	"context"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Metadata keys attached to every broker message.
const (
	MetadataChannelName   = "mediator.channel_name"
	MetadataMessageKind   = "mediator.message_kind"
	MetadataContentType   = "mediator.content_type"
	MetadataCorrelationID = "mediator.correlation_id"
	MetadataOccurredAt    = "mediator.occurred_at"
	MetadataOrigin        = "mediator.origin"
)

// NewBrokerMessage builds a Watermill message for an encoded envelope.
func NewBrokerMessage(ctx context.Context, id string, kind Kind, channel string, payload []byte) *wmmessage.Message {
	msg := wmmessage.NewMessage(id, payload)
	msg.Metadata.Set(MetadataChannelName, channel)
	msg.Metadata.Set(MetadataMessageKind, string(kind))
	msg.Metadata.Set(MetadataContentType, "application/json")

	SetTrace(ctx, msg)

	return msg
}

// SetTrace stamps the message and propagates OTEL headers through its metadata.
func SetTrace(ctx context.Context, msg *wmmessage.Message) {
	if msg == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if msg.Metadata == nil {
		msg.Metadata = make(wmmessage.Metadata)
	}

	if msg.Metadata.Get(MetadataOccurredAt) == "" {
		msg.Metadata.Set(MetadataOccurredAt, time.Now().UTC().Format(time.RFC3339Nano))
	}

	msg.SetContext(ctx)

	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))
}

// ExtractTrace returns parent enriched with the span context carried by msg.
func ExtractTrace(parent context.Context, msg *wmmessage.Message) context.Context {
	if parent == nil {
		parent = context.Background()
	}

	if msg == nil || msg.Metadata == nil {
		return parent
	}

	return otel.GetTextMapPropagator().Extract(parent, propagation.MapCarrier(msg.Metadata))
}
