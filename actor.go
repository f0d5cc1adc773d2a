package twin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/go-twin/eventbus"
	"github.com/go-digitaltwin/go-twin/operation"
	"github.com/go-digitaltwin/go-twin/resolve"
	"github.com/go-digitaltwin/go-twin/schema"
	"github.com/go-digitaltwin/go-twin/state"
)

// Status is the lifecycle state of a twin.
type Status uint8

const (
	// StatusActive twins process their mailbox.
	StatusActive Status = iota
	// StatusSuspended twins queue data messages without processing them.
	StatusSuspended
	// StatusTerminated twins reject every message. It is final.
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusSuspended:
		return "Suspended"
	case StatusTerminated:
		return "Terminated"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// An actor owns the state of one twin. A single goroutine (run) processes its
// mailbox, so the state store and the executor are never accessed concurrently.
type actor struct {
	id     string
	model  *schema.Model
	store  *state.Store
	exec   *operation.Executor
	rt     *Runtime
	logger *slog.Logger
	handle *Handle

	mu      sync.Mutex
	status  Status
	closing bool    // a Shutdown was requested; no new messages but Shutdown
	data    []*Call // FIFO
	control []*Call // FIFO, drained before each data message
	waiters []*Call // Shutdown calls completed at termination

	// subs are the subscriptions opened through Subscribe messages. Only the run
	// goroutine accesses them.
	subs map[*eventbus.Subscription]struct{}

	wake chan struct{}
	done chan struct{}
}

func newActor(rt *Runtime, m *schema.Model, exec *operation.Executor) *actor {
	a := &actor{
		id:     m.ID(),
		model:  m,
		exec:   exec,
		rt:     rt,
		logger: component.Logger(rt.ctx).With(slog.String(twinIDKey, m.ID())),
		subs:   make(map[*eventbus.Subscription]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	a.store = state.New(m, rt, rt.cfg.MaxReferenceDepth)
	a.handle = &Handle{a: a}
	return a
}

func (a *actor) send(ctx context.Context, msg Message) (*Call, error) {
	c := newCall(ctx, a, msg)
	a.mu.Lock()
	err := a.enqueue(c)
	a.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s to %s: %w", msg.Kind(), a.id, err)
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return c, nil
}

// enqueue must be called with a.mu held.
func (a *actor) enqueue(c *Call) error {
	_, shutdown := c.Message.(Shutdown)
	switch {
	case a.status == StatusTerminated:
		return ErrTerminated
	case c.Message.control():
		if a.closing && !shutdown {
			return ErrTerminated
		}
		a.closing = a.closing || shutdown
		a.control = append(a.control, c)
	case a.closing:
		return ErrTerminated
	case a.rt.cfg.MailboxCapacity > 0 && len(a.data) >= a.rt.cfg.MailboxCapacity:
		return ErrMailboxFull
	default:
		a.data = append(a.data, c)
	}
	c.enqueued = time.Now()
	return nil
}

func (a *actor) cancel(c *Call) bool {
	a.mu.Lock()
	// A requested shutdown cannot be withdrawn.
	if _, shutdown := c.Message.(Shutdown); shutdown || c.state != callQueued {
		a.mu.Unlock()
		return false
	}
	if i := slices.Index(a.data, c); i >= 0 {
		a.data = slices.Delete(a.data, i, i+1)
	} else if i := slices.Index(a.control, c); i >= 0 {
		a.control = slices.Delete(a.control, i, i+1)
	}
	c.state = callDone
	a.mu.Unlock()
	c.complete(nil, ErrCancelled)
	return true
}

func (a *actor) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// run processes the mailbox until the twin terminates.
func (a *actor) run() {
	defer a.terminate()
	for {
		c := a.next()
		if c == nil {
			return
		}
		a.process(c)
	}
}

// next blocks until there is a message to process. It returns nil once a
// shutting down twin has no data messages left, marking the twin terminated.
func (a *actor) next() *Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		var c *Call
		switch {
		case len(a.control) > 0:
			c, a.control = a.control[0], a.control[1:]
		case a.closing && len(a.data) == 0:
			a.status = StatusTerminated
			return nil
		case (a.status == StatusActive || a.closing) && len(a.data) > 0:
			c, a.data = a.data[0], a.data[1:]
		}
		if c != nil {
			c.state = callRunning
			return c
		}
		a.mu.Unlock()
		<-a.wake
		a.mu.Lock()
	}
}

func (a *actor) process(c *Call) {
	kind := c.Message.Kind()
	// The sender may give up waiting, but a started message always completes.
	ctx := component.InjectLogger(context.WithoutCancel(c.ctx), a.logger)
	ctx, span := tracer.Start(ctx, "twin."+kind, trace.WithAttributes(
		attribute.String(twinIDKey, a.id),
		attribute.String(messageKindKey, kind),
	))
	defer span.End()

	start := time.Now()
	result, err := a.dispatch(ctx, c.Message)
	measureMessage(ctx, a.id, kind, err == nil, start.Sub(c.enqueued), time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		level := slog.LevelWarn
		if errors.Is(err, ErrFault) || operation.IsContractViolation(err) {
			level = slog.LevelError
		}
		a.logger.Log(ctx, level, "Message failed", slog.String("message", kind), slog.Any("error", err))
	} else {
		a.logger.Debug("Message processed", slog.String("message", kind), slog.Duration("duration", time.Since(start)))
	}

	if _, ok := c.Message.(Shutdown); ok && err == nil {
		a.mu.Lock()
		a.waiters = append(a.waiters, c)
		a.mu.Unlock()
		return // completed by terminate
	}
	c.complete(result, err)
}

// dispatch processes a single message. A panic fails the message, not the twin.
func (a *actor) dispatch(ctx context.Context, msg Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Recovered from panic while processing message",
				slog.String("message", msg.Kind()),
				slog.Any("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
			result, err = nil, fmt.Errorf("%w: %s panicked: %v", ErrFault, msg.Kind(), r)
		}
	}()

	switch m := msg.(type) {
	case ReadAddress:
		return a.store.Read(ctx, m.Address)
	case WriteAddress:
		return a.write(ctx, m.Address, m.Value, 0)
	case InvokeOperation:
		return a.exec.Invoke(ctx, m.Address, m.Args, &effects{a: a})
	case ResolveForPeer:
		return a.store.Resolver().ResolveRequest(ctx, m.Request)
	case Subscribe:
		return a.subscribe(m)
	case Unsubscribe:
		return nil, a.unsubscribe(m.Subscription)
	case Suspend:
		a.transition(StatusActive, StatusSuspended)
		return nil, nil
	case Resume:
		a.transition(StatusSuspended, StatusActive)
		return nil, nil
	case Shutdown:
		a.shutdown()
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unsupported message %T", ErrFault, msg)
}

func (a *actor) transition(from, to Status) {
	a.mu.Lock()
	changed := a.status == from && !a.closing
	if changed {
		a.status = to
	}
	a.mu.Unlock()
	if changed {
		a.logger.Info("Twin changed status", slog.String("from", from.String()), slog.String("to", to.String()))
	}
}

func (a *actor) shutdown() {
	a.mu.Lock()
	var discarded []*Call
	if a.rt.cfg.ShutdownPolicy == Discard {
		discarded, a.data = a.data, nil
		for _, c := range discarded {
			c.state = callDone
		}
	}
	a.mu.Unlock()
	for _, c := range discarded {
		c.complete(nil, fmt.Errorf("%s discarded by shutdown of %s: %w", c.Message.Kind(), a.id, ErrTerminated))
	}
	a.logger.Info("Twin shutting down",
		slog.String("policy", a.rt.cfg.ShutdownPolicy.String()),
		slog.Int("discarded", len(discarded)),
	)
}

func (a *actor) terminate() {
	a.mu.Lock()
	a.status = StatusTerminated
	waiters := a.waiters
	a.waiters = nil
	// Control messages that raced with termination.
	leftover := append(a.control, a.data...)
	a.control, a.data = nil, nil
	a.mu.Unlock()

	for s := range a.subs {
		s.Close()
	}
	clear(a.subs)
	a.rt.deregister(a)
	close(a.done)

	for _, c := range leftover {
		c.complete(nil, fmt.Errorf("%s to %s: %w", c.Message.Kind(), a.id, ErrTerminated))
	}
	for _, c := range waiters {
		c.complete(nil, nil)
	}
	a.logger.Info("Twin terminated")
}

// write commits v and runs the triggers bound to the written property. depth
// counts the triggers enclosing this write.
func (a *actor) write(ctx context.Context, address string, v schema.Value, depth int) (state.Ack, error) {
	ack, err := a.store.Write(address, v)
	if err != nil {
		return ack, err
	}
	a.logger.Debug("Property written",
		slog.String("address", ack.Address.String()),
		slog.Uint64("version", ack.Version),
	)
	change := operation.Change{Address: ack.Address, Value: v, Previous: ack.Previous, Version: ack.Version}
	return ack, a.fire(ctx, change, depth)
}

func (a *actor) fire(ctx context.Context, change operation.Change, depth int) error {
	triggers := a.exec.Triggers(change.Address.Path)
	if len(triggers) == 0 {
		return nil
	}
	if depth >= a.rt.cfg.MaxTriggerDepth {
		return fmt.Errorf("%w: %s changed after %d nested triggers", ErrTriggerCascade, change.Address, depth)
	}
	fx := &effects{a: a, depth: depth + 1}
	var errs []error
	for _, t := range triggers {
		if err := a.trigger(ctx, t, change, fx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *actor) trigger(ctx context.Context, t operation.Trigger, change operation.Change, fx *effects) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Recovered from panic in trigger",
				slog.String("address", change.Address.String()),
				slog.Any("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%w: trigger of %s panicked: %v", ErrFault, change.Address, r)
		}
	}()
	if err := t(ctx, change, fx); err != nil {
		return fmt.Errorf("trigger of %s: %w", change.Address, err)
	}
	return nil
}

// eventPath validates that event names an Event element of this twin.
func (a *actor) eventPath(event string) (schema.Path, error) {
	addr, err := schema.ParseAddress(event)
	if err != nil {
		return schema.Path{}, &resolve.ResolutionError{Address: event, Err: fmt.Errorf("%w: %w", schema.ErrNotFound, err)}
	}
	if !addr.In(a.id) {
		return schema.Path{}, &resolve.ResolutionError{Address: event, Err: fmt.Errorf("%w: event of twin %s", schema.ErrNotFound, addr.Twin)}
	}
	e, err := a.model.Lookup(addr.Path)
	if err != nil {
		return schema.Path{}, &resolve.ResolutionError{Address: event, Err: err}
	}
	if e.Kind() != schema.KindEvent {
		return schema.Path{}, &resolve.ResolutionError{Address: event, Err: fmt.Errorf("%w: %s is not an event", schema.ErrTypeMismatch, e.Kind())}
	}
	return addr.Path, nil
}

func (a *actor) emit(ctx context.Context, event string, payload schema.Record) error {
	p, err := a.eventPath(event)
	if err != nil {
		return err
	}
	n := a.rt.bus.Publish(ctx, eventbus.Event{Twin: a.id, Name: p.String(), Payload: payload})
	a.logger.Debug("Event emitted", slog.String("event", p.String()), slog.Int("subscribers", n))
	return nil
}

func (a *actor) subscribe(m Subscribe) (*eventbus.Subscription, error) {
	f := eventbus.Filter{Twin: a.id}
	if m.Event != "" {
		p, err := a.eventPath(m.Event)
		if err != nil {
			return nil, err
		}
		f.Name = p.String()
	}
	var s *eventbus.Subscription
	if m.Func != nil {
		s = a.rt.bus.SubscribeFunc(f, m.Func)
	} else {
		s = a.rt.bus.Subscribe(f)
	}
	a.subs[s] = struct{}{}
	return s, nil
}

func (a *actor) unsubscribe(s *eventbus.Subscription) error {
	if _, ok := a.subs[s]; !ok {
		return fmt.Errorf("%w: subscription is not registered with %s", ErrNotFound, a.id)
	}
	delete(a.subs, s)
	s.Close()
	return nil
}

// effects give logic access to the twin while one of its messages is processed.
type effects struct {
	a     *actor
	depth int
}

func (fx *effects) Read(ctx context.Context, address string) (schema.Value, error) {
	r, err := fx.a.store.Read(ctx, address)
	if err != nil {
		return nil, err
	}
	return r.Value, nil
}

func (fx *effects) Write(ctx context.Context, address string, v schema.Value) error {
	_, err := fx.a.write(ctx, address, v, fx.depth)
	return err
}

func (fx *effects) Emit(ctx context.Context, event string, payload schema.Record) error {
	return fx.a.emit(ctx, event, payload)
}
