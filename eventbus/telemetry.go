package eventbus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/go-digitaltwin/go-twin/eventbus")

// droppedEvents counts the events discarded because a subscriber's buffer was
// full. Each record is associated with the emitting twin.
var droppedEvents metric.Int64Counter

func init() {
	var err error
	droppedEvents, err = meter.Int64Counter(
		"events.dropped",
		metric.WithDescription("The number of events dropped for subscribers that did not keep up."),
	)
	if err != nil {
		panic("eventbus: failed to init 'events.dropped' instrument")
	}
}

func recordDropped(ctx context.Context, twinID string) {
	attrs := attribute.NewSet(attribute.String("twin.id", twinID))
	droppedEvents.Add(ctx, 1, metric.WithAttributeSet(attrs))
}
