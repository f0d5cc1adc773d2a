// Package egress publishes the events emitted by twins to a pubsub topic, for
// consumers outside the process.
package egress

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/go-twin/eventbus"
)

// Metadata keys set on every published message.
const (
	TwinIDKey   = "twinID"
	EventKey    = "event"
	SequenceKey = "sequence"
)

// A Forwarder subscribes to a Bus and publishes every matching event as a
// gob-encoded eventbus.Event.
//
// Events of the same twin are published in the order they were emitted; events
// of different twins are published concurrently. The forwarder is as lossy as
// its subscription: events dropped by the Bus never reach the topic.
type Forwarder struct {
	bus    *eventbus.Bus
	sink   *pubsub.Topic
	filter eventbus.Filter
}

// NewForwarder returns a [component.Procedure] that forwards the events of bus
// selected by filter to sink. The zero Filter forwards everything.
func NewForwarder(bus *eventbus.Bus, sink *pubsub.Topic, filter eventbus.Filter) *Forwarder {
	return &Forwarder{bus: bus, sink: sink, filter: filter}
}

var _ component.Procedure = (*Forwarder)(nil)

// Exec forwards events until the component stops or the Bus is closed.
func (f *Forwarder) Exec(l *component.L) {
	logger := component.Logger(l.Context()).With(slog.String("filter", f.filter.String()))
	sub := f.bus.Subscribe(f.filter)
	defer sub.Close()
	logger.Info("Forwarding events")

	var dropped uint64
	for l.Continue() {
		var e eventbus.Event
		var ok bool
		select {
		case <-l.Context().Done():
			return
		case e, ok = <-sub.C():
			if !ok {
				logger.Info("Event bus closed, stopping")
				return
			}
		}
		batch := drain(sub, e)
		if err := f.forward(l.GraceContext(), logger, batch); err != nil {
			// The bus offers no redelivery, a failed event is lost.
			logger.Error("Couldn't forward events",
				slog.Int("events", len(batch)),
				slog.Any("error", err),
			)
		}
		if n := sub.Dropped(); n > dropped {
			logger.Warn("Forwarder fell behind, events were dropped", slog.Uint64("dropped", n-dropped))
			dropped = n
		}
	}
}

// drain returns first followed by the events already buffered by sub, without
// blocking.
func drain(sub *eventbus.Subscription, first eventbus.Event) []eventbus.Event {
	batch := []eventbus.Event{first}
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return batch
			}
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

// forward publishes a batch of events, keeping the order of each twin's
// events. It returns an error if any event could not be published.
func (f *Forwarder) forward(ctx context.Context, logger *slog.Logger, batch []eventbus.Event) (err error) {
	ctx, span := tracer.Start(ctx, "egress.forward", trace.WithAttributes(
		attribute.Int("batch.size", len(batch)),
	))
	defer span.End()
	defer func(start time.Time) {
		measureForward(ctx, len(batch), err == nil, time.Since(start))
	}(time.Now())

	var order []string
	byTwin := make(map[string][]eventbus.Event)
	for _, e := range batch {
		if _, ok := byTwin[e.Twin]; !ok {
			order = append(order, e.Twin)
		}
		byTwin[e.Twin] = append(byTwin[e.Twin], e)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range order {
		events := byTwin[id]
		g.Go(func() error {
			for _, e := range events {
				if err := f.publish(ctx, logger, e); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("forward events: %w", err)
	}
	return nil
}

func (f *Forwarder) publish(ctx context.Context, logger *slog.Logger, e eventbus.Event) error {
	msg, err := Encode(e)
	if err != nil {
		return err
	}
	// The twin identifier lets brokers that partition by key, such as Kafka,
	// keep the events of a twin in order for their consumers.
	if err := f.sink.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s of %s: %w", e.Name, e.Twin, err)
	}
	logger.Debug("Event forwarded",
		slog.String("twin.id", e.Twin),
		slog.String("event", e.Name),
		slog.Uint64("sequence", e.Sequence),
	)
	return nil
}

// Encode returns the pubsub message carrying e.
func Encode(e eventbus.Event) (*pubsub.Message, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(e); err != nil {
		return nil, fmt.Errorf("encode gob: %w", err)
	}
	return &pubsub.Message{
		Body: b.Bytes(),
		Metadata: map[string]string{
			TwinIDKey:   e.Twin,
			EventKey:    e.Name,
			SequenceKey: strconv.FormatUint(e.Sequence, 10),
		},
	}, nil
}

// Decode reconstructs the event carried by a message published by a Forwarder.
func Decode(msg *pubsub.Message) (eventbus.Event, error) {
	var e eventbus.Event
	if err := gob.NewDecoder(bytes.NewReader(msg.Body)).Decode(&e); err != nil {
		return eventbus.Event{}, fmt.Errorf("decode gob: %w", err)
	}
	return e, nil
}
