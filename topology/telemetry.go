package topology

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-twin/topology")
var meter = otel.Meter("github.com/go-digitaltwin/go-twin/topology")

// projectionDuration measures the time it took to write (or remove) the
// topology of a single twin. Each record is labelled by operation and success.
var projectionDuration metric.Float64Histogram

func init() {
	var err error
	projectionDuration, err = meter.Float64Histogram(
		"topology.projection.duration",
		metric.WithDescription("The duration of projecting a twin's structure into neo4j."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("topology: failed to init 'topology.projection.duration' instrument")
	}
}

func measureProjection(ctx context.Context, op string, success bool, d time.Duration) {
	attrs := attribute.NewSet(
		attribute.String("topology.operation", op),
		attribute.Bool("success", success),
	)
	projectionDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
}
