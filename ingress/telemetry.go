package ingress

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-twin/ingress")
var meter = otel.Meter("github.com/go-digitaltwin/go-twin/ingress")

// routedMessages counts the updates and commands routed to twins. Each record
// is associated with the kind of the message and whether routing succeeded.
var routedMessages metric.Int64Counter

func init() {
	var err error
	routedMessages, err = meter.Int64Counter(
		"ingress.routed",
		metric.WithDescription("The number of device updates and commands routed to twins."),
	)
	if err != nil {
		panic("ingress: failed to init 'ingress.routed' instrument")
	}
}

func measureMessage(ctx context.Context, kind string, success bool) {
	attrs := attribute.NewSet(
		attribute.String("message.kind", kind),
		attribute.Bool("success", success),
	)
	routedMessages.Add(ctx, 1, metric.WithAttributeSet(attrs))
}
