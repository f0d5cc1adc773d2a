package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSchema is wrapped by every error returned from Compile.
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrCyclicStructure reports a collection that contains itself, directly or
	// transitively.
	ErrCyclicStructure = errors.New("cyclic structure")
	// ErrNotFound reports an address that names no element.
	ErrNotFound = errors.New("not found")
	// ErrTypeMismatch reports an element of an unexpected kind, or a value of an
	// unexpected type.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrMalformedAddress reports an address string that cannot be parsed.
	ErrMalformedAddress = errors.New("malformed address")
)

// A SchemaError describes a structural problem detected while compiling a twin
// schema. A twin is never instantiated from a schema that fails to compile.
type SchemaError struct {
	Twin   string // identifier of the offending twin
	Path   string // location of the problem; empty for twin-level problems
	Reason string
	Err    error // optional cause, e.g. ErrCyclicStructure
}

func (e *SchemaError) Error() string {
	msg := "twin " + e.Twin
	if e.Path != "" {
		msg += " at " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInvalidSchema, msg)
}

// Is makes every SchemaError match ErrInvalidSchema.
func (e *SchemaError) Is(target error) bool {
	return target == ErrInvalidSchema
}

func (e *SchemaError) Unwrap() error { return e.Err }
