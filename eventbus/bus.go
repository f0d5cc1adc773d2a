// Package eventbus fans out events emitted by twins to their subscribers.
//
// The Bus is the only structure shared between twin actors. Publishing never
// blocks the publishing twin: every subscription owns a bounded buffer, and an
// event that does not fit is dropped for that subscriber alone and counted.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielorbach/go-component"

	"github.com/go-digitaltwin/go-twin/schema"
)

// DefaultBuffer is the number of events a subscription holds before dropping.
const DefaultBuffer = 64

// An Event is a notification emitted by a twin.
type Event struct {
	// Twin is the global identifier of the emitting twin.
	Twin string
	// Name is the path of the event element within the twin, e.g.
	// "PowerAndElectrical.OvercurrentFault".
	Name    string
	Payload schema.Record
	Time    time.Time
	// Sequence is assigned by the Bus, increasing across all published events.
	Sequence uint64
}

// A Filter selects the events a Subscription receives. An empty Name matches
// every event of Twin; an empty Twin matches every twin.
type Filter struct {
	Twin string
	Name string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	return (f.Twin == "" || f.Twin == e.Twin) && (f.Name == "" || f.Name == e.Name)
}

func (f Filter) String() string {
	twin, name := f.Twin, f.Name
	if twin == "" {
		twin = "*"
	}
	if name == "" {
		name = "*"
	}
	return twin + "/" + name
}

// A Subscription receives the events that match its Filter until it is closed.
type Subscription struct {
	bus     *Bus
	filter  Filter
	ch      chan Event
	dropped atomic.Uint64
	closed  bool // guarded by bus.mu
}

// C returns the channel on which events are delivered. It is closed when the
// subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Filter returns the filter the subscription was created with.
func (s *Subscription) Filter() Filter { return s.filter }

// Dropped returns the number of events dropped because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() { s.bus.Unsubscribe(s) }

// A Bus routes events to subscriptions. Its methods are safe for concurrent
// use.
type Bus struct {
	logger *slog.Logger
	buffer int
	seq    atomic.Uint64

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New returns an empty Bus whose subscriptions buffer the given number of
// events (DefaultBuffer if not positive). Panics of SubscribeFunc callbacks are
// logged with the logger carried by ctx.
func New(ctx context.Context, buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		logger: component.Logger(ctx),
		buffer: buffer,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscription for the events matching f. On a closed
// Bus the returned subscription is already closed.
func (b *Bus) Subscribe(f Filter) *Subscription {
	s := &Subscription{bus: b, filter: f, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// SubscribeFunc is like Subscribe but calls fn for every event, sequentially, on
// a goroutine of its own. A panicking fn is logged and does not end the
// subscription.
func (b *Bus) SubscribeFunc(f Filter, fn func(Event)) *Subscription {
	s := b.Subscribe(f)
	go func() {
		for e := range s.ch {
			b.deliver(s, e, fn)
		}
	}()
	return s
}

func (b *Bus) deliver(s *Subscription, e Event, fn func(Event)) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber panicked",
				slog.String("filter", s.filter.String()),
				slog.String("twin.id", e.Twin),
				slog.String("event", e.Name),
				slog.Any("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn(e)
}

// Unsubscribe removes s from the Bus and closes its channel. Events already
// buffered remain readable.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s)
	close(s.ch)
}

// Publish delivers e to every matching subscription without blocking and returns
// the number of subscriptions that accepted it. Subscriptions whose buffer is
// full drop the event.
func (b *Bus) Publish(ctx context.Context, e Event) int {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	e.Sequence = b.seq.Add(1)

	var delivered int
	for s := range b.subs {
		if !s.filter.Match(e) {
			continue
		}
		select {
		case s.ch <- e:
			delivered++
		default:
			s.dropped.Add(1)
			recordDropped(ctx, e.Twin)
			b.logger.Debug("Dropped event for slow subscriber",
				slog.String("filter", s.filter.String()),
				slog.String("twin.id", e.Twin),
				slog.String("event", e.Name),
			)
		}
	}
	return delivered
}

// Len returns the number of open subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Publishing to a closed Bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closed = true
		close(s.ch)
	}
	clear(b.subs)
}
