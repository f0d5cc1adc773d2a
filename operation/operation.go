// Package operation binds user-supplied logic to the operations and properties
// declared by a twin schema, and runs it.
//
// Logic never touches a twin's state directly. It observes and mutates the twin
// through Effects, which the twin actor implements on top of its own state and
// the event bus, within the mailbox message that triggered the logic.
package operation

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-digitaltwin/go-twin/schema"
)

var (
	// ErrInvalidInput reports input arguments that do not match the operation's
	// declared input variables. The handler does not run.
	ErrInvalidInput = errors.New("invalid input")
	// ErrOperationFailed reports a handler that returned an error, panicked, or
	// produced outputs that violate the operation's declaration.
	ErrOperationFailed = errors.New("operation failed")
	// ErrInvalidLogic reports Logic bound to elements that cannot carry it.
	ErrInvalidLogic = errors.New("invalid logic")
)

// An OperationError describes a failed invocation.
type OperationError struct {
	Operation string // path of the operation element
	Reason    string
	Err       error // ErrInvalidInput or ErrOperationFailed
	Cause     error // optional error returned by the handler
}

func (e *OperationError) Error() string {
	return "operation " + e.Operation + ": " + e.Err.Error() + ": " + e.Reason
}

func (e *OperationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Values are named arguments or results of an operation.
type Values map[string]schema.Value

// Effects are the side effects available to logic while it runs inside a twin.
//
// Addresses follow schema.ParseAddress; unqualified ones are relative to the
// twin running the logic. Writes are limited to the twin's own properties, and
// events must name an Event element declared by the twin.
type Effects interface {
	Read(ctx context.Context, address string) (schema.Value, error)
	Write(ctx context.Context, address string, v schema.Value) error
	Emit(ctx context.Context, event string, payload schema.Record) error
}

// A Handler implements an Operation element.
//
// Inputs are complete: every declared input is present, defaulted if the caller
// omitted it. Outputs may omit declared variables, which then take their
// defaults; undeclared or mistyped outputs fail the invocation.
type Handler interface {
	Invoke(ctx context.Context, in Values, fx Effects) (Values, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, in Values, fx Effects) (Values, error)

func (f HandlerFunc) Invoke(ctx context.Context, in Values, fx Effects) (Values, error) {
	return f(ctx, in, fx)
}

// A Change describes a committed write of a property.
type Change struct {
	Address  schema.Address
	Value    schema.Value
	Previous schema.Value
	Version  uint64
}

// A Trigger reacts to a changed property. It runs after the write commits and
// within the same mailbox message, so it observes the new value and no other
// message interleaves. Writes made by a trigger may fire further triggers.
type Trigger func(ctx context.Context, c Change, fx Effects) error

// Logic is the behaviour attached to a twin at instantiation. Keys are local
// paths such as "Control.SetChargingCurrent".
type Logic struct {
	Operations map[string]Handler
	Triggers   map[string][]Trigger
}

// On returns l with an additional trigger bound to the property at path.
func (l Logic) On(path string, t Trigger) Logic {
	if l.Triggers == nil {
		l.Triggers = make(map[string][]Trigger)
	}
	l.Triggers[path] = append(l.Triggers[path], t)
	return l
}

// Handle returns l with h bound to the operation at path.
func (l Logic) Handle(path string, h Handler) Logic {
	if l.Operations == nil {
		l.Operations = make(map[string]Handler)
	}
	l.Operations[path] = h
	return l
}

// A Failure is an error carrying a reason meant for the caller of an
// operation, as opposed to an internal error.
type Failure string

func (f Failure) Error() string { return string(f) }

// Failf returns a Failure with a formatted reason.
func Failf(format string, args ...any) error {
	return Failure(fmt.Sprintf(format, args...))
}
