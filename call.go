package twin

import (
	"context"
	"time"
)

type callState uint8

const (
	callQueued callState = iota
	callRunning
	callDone
)

// A Call is a message in flight: a future of the twin's response.
type Call struct {
	Message Message

	ctx      context.Context // of the sender; carries its logger and span
	actor    *actor
	enqueued time.Time
	state    callState // guarded by actor.mu
	done     chan struct{}
	result   any
	err      error
}

func newCall(ctx context.Context, a *actor, msg Message) *Call {
	return &Call{
		Message: msg,
		ctx:     ctx,
		actor:   a,
		done:    make(chan struct{}),
	}
}

// Done returns a channel closed once the call completed.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call completes, returning its result, or until ctx is
// done. Giving up waiting does not cancel the call; see Cancel.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a completed call. It must not be called before
// Done is closed.
func (c *Call) Result() (any, error) { return c.result, c.err }

// Cancel withdraws the call if the twin has not started processing it, in which
// case the call completes with ErrCancelled and Cancel returns true. Once
// processing started the call always runs to completion.
func (c *Call) Cancel() bool {
	return c.actor.cancel(c)
}

// complete must be called exactly once per call, without holding actor.mu.
func (c *Call) complete(result any, err error) {
	c.result, c.err = result, err
	close(c.done)
}
