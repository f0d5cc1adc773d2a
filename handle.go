package twin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-digitaltwin/go-twin/eventbus"
	"github.com/go-digitaltwin/go-twin/operation"
	"github.com/go-digitaltwin/go-twin/schema"
	"github.com/go-digitaltwin/go-twin/state"
)

// A Handle addresses a running twin. Its methods are safe for concurrent use;
// they all go through the twin's mailbox.
type Handle struct {
	a *actor
}

// ID returns the global identifier of the twin.
func (h *Handle) ID() string { return h.a.id }

// Schema returns the compiled schema of the twin.
func (h *Handle) Schema() *schema.Model { return h.a.model }

// Status returns the current lifecycle state of the twin.
func (h *Handle) Status() Status { return h.a.Status() }

// Done returns a channel closed once the twin terminated.
func (h *Handle) Done() <-chan struct{} { return h.a.done }

// Send queues msg at the twin and returns the pending call. The context is
// retained for the call's logger and trace; cancelling it does not cancel the
// call.
//
// Send fails with ErrMailboxFull if the twin's mailbox is at capacity, and with
// ErrTerminated if the twin shut down.
func (h *Handle) Send(ctx context.Context, msg Message) (*Call, error) {
	return h.a.send(ctx, msg)
}

// request sends msg and waits for its result. If ctx ends first, the call is
// cancelled if it is still queued.
func (h *Handle) request(ctx context.Context, msg Message) (any, error) {
	c, err := h.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	v, err := c.Wait(ctx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		if c.Cancel() {
			return nil, fmt.Errorf("%s: %w: %w", msg.Kind(), ErrCancelled, err)
		}
	}
	return v, err
}

// Read returns the value at the given address of this twin, following
// references and snapshotting collections.
func (h *Handle) Read(ctx context.Context, address string) (state.Reading, error) {
	v, err := h.request(ctx, ReadAddress{Address: address})
	r, _ := v.(state.Reading)
	return r, err
}

// Write sets the Property at the given address and runs its triggers. A
// non-nil Ack with an error means the write committed but a trigger failed.
func (h *Handle) Write(ctx context.Context, address string, value schema.Value) (state.Ack, error) {
	v, err := h.request(ctx, WriteAddress{Address: address, Value: value})
	ack, _ := v.(state.Ack)
	return ack, err
}

// Invoke runs the Operation at the given address with the given arguments.
func (h *Handle) Invoke(ctx context.Context, address string, args operation.Values) (operation.Values, error) {
	v, err := h.request(ctx, InvokeOperation{Address: address, Args: args})
	out, _ := v.(operation.Values)
	return out, err
}

// Subscribe opens a subscription for the named event of this twin, or for all
// of its events if event is empty.
func (h *Handle) Subscribe(ctx context.Context, event string) (*eventbus.Subscription, error) {
	v, err := h.request(ctx, Subscribe{Event: event})
	s, _ := v.(*eventbus.Subscription)
	return s, err
}

// SubscribeFunc is like Subscribe but calls fn for every event on a goroutine of
// the subscription.
func (h *Handle) SubscribeFunc(ctx context.Context, event string, fn func(eventbus.Event)) (*eventbus.Subscription, error) {
	v, err := h.request(ctx, Subscribe{Event: event, Func: fn})
	s, _ := v.(*eventbus.Subscription)
	return s, err
}

// Unsubscribe closes a subscription obtained from this handle.
func (h *Handle) Unsubscribe(ctx context.Context, s *eventbus.Subscription) error {
	_, err := h.request(ctx, Unsubscribe{Subscription: s})
	return err
}

// Suspend stops the twin from processing data messages until Resume.
func (h *Handle) Suspend(ctx context.Context) error {
	_, err := h.request(ctx, Suspend{})
	return err
}

// Resume continues processing after Suspend.
func (h *Handle) Resume(ctx context.Context) error {
	_, err := h.request(ctx, Resume{})
	return err
}

// Shutdown terminates the twin and waits until it did. Shutting down a
// terminated twin is a no-op.
func (h *Handle) Shutdown(ctx context.Context) error {
	_, err := h.request(ctx, Shutdown{})
	if errors.Is(err, ErrTerminated) {
		select {
		case <-h.a.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Every invokes the given operation periodically until ctx ends or the twin
// terminates. Invocations never overlap: ticks that fire while an invocation is
// still pending are skipped. Failures are logged.
//
// The returned channel is closed once the schedule stopped.
func (h *Handle) Every(ctx context.Context, interval time.Duration, address string, args operation.Values) <-chan struct{} {
	t := time.NewTicker(interval)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		defer t.Stop()
		h.every(ctx, t.C, address, args)
	}()
	return stopped
}

func (h *Handle) every(ctx context.Context, ticks <-chan time.Time, address string, args operation.Values) {
	logger := h.a.logger.With(slog.String("operation", address))
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.a.done:
			return
		case <-ticks:
		}
		if _, err := h.Invoke(ctx, address, args); err != nil {
			if errors.Is(err, ErrTerminated) || ctx.Err() != nil {
				return
			}
			logger.Warn("Scheduled invocation failed", slog.Any("error", err))
		}
		select {
		case <-ticks:
		default:
		}
	}
}
