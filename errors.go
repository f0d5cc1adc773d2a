package twin

import (
	"errors"

	"github.com/go-digitaltwin/go-twin/operation"
	"github.com/go-digitaltwin/go-twin/resolve"
	"github.com/go-digitaltwin/go-twin/schema"
	"github.com/go-digitaltwin/go-twin/state"
)

// The error taxonomy of the runtime. Errors returned by this package and its
// subpackages wrap one of these; test them with errors.Is.
var (
	ErrInvalidSchema   = schema.ErrInvalidSchema
	ErrCyclicStructure = schema.ErrCyclicStructure
	ErrNotFound        = schema.ErrNotFound
	ErrTypeMismatch    = schema.ErrTypeMismatch

	ErrUnreachableTwin         = resolve.ErrUnreachableTwin
	ErrReferenceCycleOrTooDeep = resolve.ErrReferenceCycleOrTooDeep

	ErrNotWritable = state.ErrNotWritable

	ErrInvalidInput    = operation.ErrInvalidInput
	ErrOperationFailed = operation.ErrOperationFailed
	ErrInvalidLogic    = operation.ErrInvalidLogic
)

var (
	// ErrTerminated reports a message sent to, or still queued at, a twin that
	// shut down.
	ErrTerminated = errors.New("twin terminated")
	// ErrCancelled reports a call cancelled before the twin started processing
	// it.
	ErrCancelled = errors.New("call cancelled")
	// ErrMailboxFull reports a message rejected by a bounded mailbox.
	ErrMailboxFull = errors.New("mailbox full")
	// ErrDuplicateTwin reports an attempt to instantiate a twin whose identifier
	// is already registered.
	ErrDuplicateTwin = errors.New("duplicate twin")
	// ErrTriggerCascade reports triggers that kept firing each other beyond the
	// configured depth. The writes committed so far remain.
	ErrTriggerCascade = errors.New("trigger cascade too deep")
	// ErrFault reports a message that failed because of a fault inside the twin,
	// such as a panicking trigger. The twin keeps running.
	ErrFault = errors.New("twin fault")
)

// Typed errors, re-exported for errors.As.
type (
	SchemaError     = schema.SchemaError
	ResolutionError = resolve.ResolutionError
	StateError      = state.StateError
	OperationError  = operation.OperationError
)
