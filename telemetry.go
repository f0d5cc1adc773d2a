package twin

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-twin")
var meter = otel.Meter("github.com/go-digitaltwin/go-twin")

const (
	// twinIDKey associates records with the global identifier of the twin that
	// processed the message.
	twinIDKey = "twin.id"
	// messageKindKey associates records with the kind of message, see
	// Message.Kind.
	messageKindKey = "twin.message"
)

var (
	// messageDuration measures the time a twin spent processing a single message,
	// including any cross-twin lookups it awaited.
	messageDuration metric.Float64Histogram
	// messageLatency measures the time a message spent queued in a mailbox.
	messageLatency metric.Float64Histogram
	// messageFailures counts messages that completed with an error.
	messageFailures metric.Int64Counter
)

func init() {
	var err error
	messageDuration, err = meter.Float64Histogram(
		"twin.message.duration",
		metric.WithDescription("The duration of processing a single mailbox message, including awaited cross-twin lookups."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("twin: failed to init 'twin.message.duration' instrument")
	}

	messageLatency, err = meter.Float64Histogram(
		"twin.message.latency",
		metric.WithDescription("The time a message spent queued in a twin's mailbox before processing started."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("twin: failed to init 'twin.message.latency' instrument")
	}

	messageFailures, err = meter.Int64Counter(
		"twin.message.failures",
		metric.WithDescription("The number of mailbox messages that completed with an error."),
	)
	if err != nil {
		panic("twin: failed to init 'twin.message.failures' instrument")
	}
}

// measureMessage records the processing of one message. Successful messages
// record their duration; failed ones increment the failure counter. Queue
// latency is recorded for both.
func measureMessage(ctx context.Context, twinID, kind string, succeeded bool, queued, d time.Duration) {
	attrs := attribute.NewSet(
		attribute.String(twinIDKey, twinID),
		attribute.String(messageKindKey, kind),
	)
	messageLatency.Record(ctx, float64(queued)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
	if succeeded {
		messageDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
	} else {
		messageFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}
