package twin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/danielorbach/go-component"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/go-twin/eventbus"
	"github.com/go-digitaltwin/go-twin/operation"
	"github.com/go-digitaltwin/go-twin/resolve"
	"github.com/go-digitaltwin/go-twin/schema"
)

// An Observer is told about twins joining and leaving a Runtime. Observers are
// called synchronously: TwinInstantiated by Instantiate once the twin is
// registered, TwinTerminated by the terminating twin's goroutine.
type Observer interface {
	TwinInstantiated(ctx context.Context, h *Handle)
	TwinTerminated(ctx context.Context, id string)
}

// An Option configures a Runtime.
type Option func(*Runtime)

// WithObserver registers o with the Runtime.
func WithObserver(o Observer) Option {
	return func(rt *Runtime) { rt.observers = append(rt.observers, o) }
}

// WithBus makes the Runtime publish events to b instead of a bus of its own.
func WithBus(b *eventbus.Bus) Option {
	return func(rt *Runtime) { rt.bus = b }
}

// A Runtime hosts twin actors: it instantiates them, routes cross-twin lookups
// between them and shuts them down.
type Runtime struct {
	ctx       context.Context
	cfg       Config
	bus       *eventbus.Bus
	registry  Registry
	observers []Observer

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New returns an empty Runtime. The logger carried by ctx is used by every twin;
// ctx is not expected to be cancelled, shut down the runtime with Shutdown.
func New(ctx context.Context, cfg Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &Runtime{ctx: context.WithoutCancel(ctx), cfg: cfg}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.bus == nil {
		rt.bus = eventbus.New(rt.ctx, cfg.SubscriberBuffer)
	}
	return rt, nil
}

// Config returns the configuration of the runtime.
func (rt *Runtime) Config() Config { return rt.cfg }

// Bus returns the event bus shared by all twins of the runtime.
func (rt *Runtime) Bus() *eventbus.Bus { return rt.bus }

// Instantiate compiles the given schema, binds logic to it and starts the twin.
// A schema that fails to compile, or logic that does not fit it, leaves no
// trace. Identifiers are unique per runtime: ErrDuplicateTwin.
func (rt *Runtime) Instantiate(ctx context.Context, t *schema.Twin, logic operation.Logic) (*Handle, error) {
	m, err := schema.Compile(t)
	if err != nil {
		return nil, err
	}
	exec, err := operation.NewExecutor(m, logic)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", m.ID(), err)
	}
	a := newActor(rt, m, exec)

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil, fmt.Errorf("instantiate %s: runtime shut down: %w", m.ID(), ErrTerminated)
	}
	if err := rt.registry.Add(a.handle); err != nil {
		rt.mu.Unlock()
		return nil, err
	}
	rt.wg.Add(1)
	rt.mu.Unlock()

	go func() {
		defer rt.wg.Done()
		a.run()
	}()
	component.Logger(ctx).Info("Twin instantiated",
		slog.String(twinIDKey, m.ID()),
		slog.Int("elements", m.Len()),
		slog.Int("operations", len(exec.Operations())),
	)
	for _, o := range rt.observers {
		o.TwinInstantiated(ctx, a.handle)
	}
	return a.handle, nil
}

func (rt *Runtime) deregister(a *actor) {
	rt.registry.Remove(a.id)
	for _, o := range rt.observers {
		o.TwinTerminated(rt.ctx, a.id)
	}
}

// Lookup returns the handle of the running twin with the given identifier.
func (rt *Runtime) Lookup(id string) (*Handle, bool) {
	return rt.registry.Find(id)
}

// Twins lists the identifiers of the running twins, sorted.
func (rt *Runtime) Twins() []string {
	return rt.registry.IDs()
}

// Subscribe opens a subscription to the events named event emitted by the twin
// with the given identifier. Either may be empty to match any. Unlike
// Handle.Subscribe, the twin need not exist yet and the event name is not
// checked against its schema.
func (rt *Runtime) Subscribe(twinID, event string) *eventbus.Subscription {
	return rt.bus.Subscribe(eventbus.Filter{Twin: twinID, Name: event})
}

// SubscribeFunc is like Subscribe but calls fn for every event.
func (rt *Runtime) SubscribeFunc(twinID, event string, fn func(eventbus.Event)) *eventbus.Subscription {
	return rt.bus.SubscribeFunc(eventbus.Filter{Twin: twinID, Name: event}, fn)
}

// Unsubscribe closes s.
func (rt *Runtime) Unsubscribe(s *eventbus.Subscription) {
	rt.bus.Unsubscribe(s)
}

// ResolveForPeer implements resolve.Peers by sending the request to the mailbox
// of the owning twin and awaiting its answer for at most the configured
// ResolveTimeout.
func (rt *Runtime) ResolveForPeer(ctx context.Context, req resolve.Request) (resolve.Result, error) {
	h, ok := rt.registry.Find(req.Address.Twin)
	if !ok {
		return resolve.Result{}, fmt.Errorf("%w: no twin %s", ErrUnreachableTwin, req.Address.Twin)
	}
	ctx, cancel := context.WithTimeout(ctx, rt.cfg.ResolveTimeout)
	defer cancel()

	c, err := h.Send(ctx, ResolveForPeer{Request: req})
	if err != nil {
		return resolve.Result{}, fmt.Errorf("%w: %w", ErrUnreachableTwin, err)
	}
	v, err := c.Wait(ctx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Withdraw the lookup so that the peer does not answer a question nobody
		// listens to anymore.
		c.Cancel()
		return resolve.Result{}, fmt.Errorf("%w: %s did not answer within %s", ErrUnreachableTwin, req.Address.Twin, rt.cfg.ResolveTimeout)
	}
	if errors.Is(err, ErrTerminated) {
		return resolve.Result{}, fmt.Errorf("%w: %w", ErrUnreachableTwin, err)
	} else if err != nil {
		return resolve.Result{}, err
	}
	return v.(resolve.Result), nil
}

// Shutdown terminates every twin concurrently and waits for them, or until ctx
// ends. Twins can no longer be instantiated afterwards. The event bus is closed
// once all twins terminated.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	rt.closed = true
	rt.mu.Unlock()

	var g errgroup.Group
	for _, h := range rt.registry.Handles() {
		g.Go(func() error {
			if err := h.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown %s: %w", h.ID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	rt.bus.Close()
	return nil
}

// Exec runs the runtime as a component procedure. It blocks until the component
// is asked to stop, then shuts every twin down within the grace period.
func (rt *Runtime) Exec(l *component.L) {
	<-l.Context().Done()
	if err := rt.Shutdown(l.GraceContext()); err != nil {
		l.Fatal(fmt.Errorf("shutdown twins: %w", err))
	}
}
