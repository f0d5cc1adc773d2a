package egress

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-twin/egress")
var meter = otel.Meter("github.com/go-digitaltwin/go-twin/egress")

var (
	// forwardDuration measures the time it took to publish a batch of events.
	forwardDuration metric.Float64Histogram
	// forwardedEvents counts published events, labelled by success.
	forwardedEvents metric.Int64Counter
)

func init() {
	var err error
	forwardDuration, err = meter.Float64Histogram(
		"egress.forward.duration",
		metric.WithDescription("The duration of publishing a batch of twin events."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("egress: failed to init 'egress.forward.duration' instrument")
	}

	forwardedEvents, err = meter.Int64Counter(
		"egress.forwarded",
		metric.WithDescription("The number of twin events handed to the topic."),
	)
	if err != nil {
		panic("egress: failed to init 'egress.forwarded' instrument")
	}
}

func measureForward(ctx context.Context, events int, success bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.Bool("success", success))
	forwardedEvents.Add(ctx, int64(events), metric.WithAttributeSet(attrs))
	if success {
		forwardDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
	}
}
