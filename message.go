package twin

import (
	"github.com/go-digitaltwin/go-twin/eventbus"
	"github.com/go-digitaltwin/go-twin/operation"
	"github.com/go-digitaltwin/go-twin/resolve"
	"github.com/go-digitaltwin/go-twin/schema"
)

// A Message is a request processed by a twin actor. The twin processes data
// messages one at a time in the order they were sent. Control messages
// (Suspend, Resume and Shutdown) overtake queued data messages and take effect
// between two of them.
type Message interface {
	// Kind names the message in logs and telemetry.
	Kind() string
	control() bool
}

// ReadAddress reads the value at Address. Its result is a state.Reading.
type ReadAddress struct {
	Address string
}

// WriteAddress writes Value to the Property at Address and runs the triggers
// bound to it. Its result is a state.Ack, possibly accompanied by the error of a
// failed trigger.
type WriteAddress struct {
	Address string
	Value   schema.Value
}

// InvokeOperation runs the handler of the Operation at Address. Its result is
// the operation.Values produced by the handler.
type InvokeOperation struct {
	Address string
	Args    operation.Values
}

// ResolveForPeer resolves an address on behalf of another twin. Its result is a
// resolve.Result.
type ResolveForPeer struct {
	Request resolve.Request
}

// Subscribe registers a subscription for the twin's event named Event, or all of
// its events if Event is empty. Its result is an *eventbus.Subscription, closed
// at the latest when the twin terminates. If Func is set, events are passed to
// it instead of the subscription's channel.
type Subscribe struct {
	Event string
	Func  func(eventbus.Event)
}

// Unsubscribe closes a subscription obtained with Subscribe.
type Unsubscribe struct {
	Subscription *eventbus.Subscription
}

// Suspend stops the twin from processing data messages, which keep queueing.
type Suspend struct{}

// Resume undoes Suspend.
type Resume struct{}

// Shutdown terminates the twin according to the runtime's ShutdownPolicy. Its
// call completes once the twin has terminated.
type Shutdown struct{}

func (ReadAddress) Kind() string     { return "ReadAddress" }
func (WriteAddress) Kind() string    { return "WriteAddress" }
func (InvokeOperation) Kind() string { return "InvokeOperation" }
func (ResolveForPeer) Kind() string  { return "ResolveForPeer" }
func (Subscribe) Kind() string       { return "Subscribe" }
func (Unsubscribe) Kind() string     { return "Unsubscribe" }
func (Suspend) Kind() string         { return "Suspend" }
func (Resume) Kind() string          { return "Resume" }
func (Shutdown) Kind() string        { return "Shutdown" }

func (ReadAddress) control() bool     { return false }
func (WriteAddress) control() bool    { return false }
func (InvokeOperation) control() bool { return false }
func (ResolveForPeer) control() bool  { return false }
func (Subscribe) control() bool       { return false }
func (Unsubscribe) control() bool     { return false }
func (Suspend) control() bool         { return true }
func (Resume) control() bool          { return true }
func (Shutdown) control() bool        { return true }
