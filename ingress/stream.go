package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
)

// Stream returns a component.Proc that receives JSON-encoded Messages from the
// subscription and routes them until the component stops.
//
// Every message is acknowledged, including those that fail to decode or to
// route: readings are superseded by the next ones, so redelivering a failed
// message would only replay stale state. Failures are logged.
func (r *Router) Stream(sub *pubsub.Subscription) component.Proc {
	return func(l *component.L) {
		for l.Continue() {
			msg, err := sub.Receive(l.Context())
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					// we're shutting down
					return
				}
				l.Fatal(fmt.Errorf("receive: %w", err))
			}
			r.handleMessage(l.Context(), msg)
		}
	}
}

// handleMessage acknowledges, decodes and routes a single message. It reports
// whether the message was routed successfully.
func (r *Router) handleMessage(ctx context.Context, msg *pubsub.Message) bool {
	msg.Ack()
	logger := component.Logger(ctx).With(slog.String("msg.id", msg.LoggableID))

	m, err := Decode(msg.Body)
	if err != nil {
		logger.Warn("Skipping undecodable message", slog.Any("error", err))
		return false
	}
	if err := r.Route(ctx, m); err != nil {
		logger.Warn("Couldn't route message", slog.Any("error", err))
		return false
	}
	return true
}
