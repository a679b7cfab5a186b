package watermill

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	mediatormsg "github.com/shortlink-org/go-mediator/message"
)

// OTelMiddleware starts a consumer span for every routed message.
type OTelMiddleware struct {
	tracer trace.Tracer
}

func NewOTELMiddleware(provider trace.TracerProvider) *OTelMiddleware {
	return &OTelMiddleware{
		tracer: provider.Tracer("github.com/shortlink-org/go-mediator/watermill"),
	}
}

// HandlerMiddleware continues the producer trace carried in metadata and
// hands the span context to the handler through the message context.
func (o *OTelMiddleware) HandlerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx := mediatormsg.ExtractTrace(msg.Context(), msg)

			ctx, span := o.tracer.Start(ctx, "mediator.broker.consume",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("mediator.channel", channelOf(msg)),
					attribute.String("mediator.kind", msg.Metadata.Get(mediatormsg.MetadataMessageKind)),
				),
			)
			defer span.End()

			msg.SetContext(ctx)

			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
			}

			return msgs, err
		}
	}
}
