package operation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/go-digitaltwin/go-twin/resolve"
	"github.com/go-digitaltwin/go-twin/schema"
)

// An Executor runs the Logic of one twin. It is immutable once created and may
// be shared, though a twin actor only ever calls it from its own goroutine.
type Executor struct {
	model      *schema.Model
	operations map[string]Handler
	triggers   map[string][]Trigger
}

// NewExecutor validates l against the model: every handler must be bound to an
// Operation element and every trigger to a Property. Violations wrap
// ErrInvalidLogic.
func NewExecutor(m *schema.Model, l Logic) (*Executor, error) {
	x := &Executor{
		model:      m,
		operations: make(map[string]Handler, len(l.Operations)),
		triggers:   make(map[string][]Trigger, len(l.Triggers)),
	}
	for path, h := range l.Operations {
		p, err := x.bind(path, schema.KindOperation)
		if err != nil {
			return nil, err
		}
		if h == nil {
			return nil, fmt.Errorf("%w: nil handler for %s", ErrInvalidLogic, path)
		}
		x.operations[p.String()] = h
	}
	for path, ts := range l.Triggers {
		p, err := x.bind(path, schema.KindProperty)
		if err != nil {
			return nil, err
		}
		for _, t := range ts {
			if t == nil {
				return nil, fmt.Errorf("%w: nil trigger for %s", ErrInvalidLogic, path)
			}
		}
		x.triggers[p.String()] = append(x.triggers[p.String()], ts...)
	}
	return x, nil
}

func (x *Executor) bind(path string, want schema.Kind) (schema.Path, error) {
	addr, err := schema.ParseAddress(path)
	if err != nil {
		return schema.Path{}, fmt.Errorf("%w: %w", ErrInvalidLogic, err)
	}
	if !addr.In(x.model.ID()) {
		return schema.Path{}, fmt.Errorf("%w: %s belongs to another twin", ErrInvalidLogic, path)
	}
	e, err := x.model.Lookup(addr.Path)
	if err != nil {
		return schema.Path{}, fmt.Errorf("%w: %w", ErrInvalidLogic, err)
	}
	if e.Kind() != want {
		return schema.Path{}, fmt.Errorf("%w: %s is a %s, not a %s", ErrInvalidLogic, path, e.Kind(), want)
	}
	return addr.Path, nil
}

// Operations lists the paths of the operations that have a handler, sorted.
func (x *Executor) Operations() []string {
	paths := make([]string, 0, len(x.operations))
	for p := range x.operations {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Triggers returns the triggers bound to the property at p, in binding order.
func (x *Executor) Triggers(p schema.Path) []Trigger {
	return x.triggers[p.String()]
}

// Lookup returns the Operation element at the given local address. Addresses of
// other twins, and elements of other kinds, fail with a resolve.ResolutionError.
func (x *Executor) Lookup(address string) (schema.Path, *schema.Operation, error) {
	addr, err := schema.ParseAddress(address)
	if err != nil {
		return schema.Path{}, nil, &resolve.ResolutionError{Address: address, Err: fmt.Errorf("%w: %w", schema.ErrNotFound, err)}
	}
	if !addr.In(x.model.ID()) {
		return schema.Path{}, nil, &resolve.ResolutionError{Address: address, Err: fmt.Errorf("%w: operation of twin %s", schema.ErrNotFound, addr.Twin)}
	}
	e, err := x.model.Lookup(addr.Path)
	if err != nil {
		return schema.Path{}, nil, &resolve.ResolutionError{Address: address, Err: err}
	}
	op, ok := e.(*schema.Operation)
	if !ok {
		return schema.Path{}, nil, &resolve.ResolutionError{Address: address, Err: fmt.Errorf("%w: %s is not an operation", schema.ErrTypeMismatch, e.Kind())}
	}
	return addr.Path, op, nil
}

// Invoke runs the handler of the operation at the given local address.
//
// Inputs are checked against the declaration before the handler runs: unknown
// names or mistyped values fail with ErrInvalidInput, omitted inputs take their
// default (or the zero value of their type). The handler's outputs are checked
// the same way; violations, handler errors and panics fail with
// ErrOperationFailed. Effects already applied by the handler are not undone.
func (x *Executor) Invoke(ctx context.Context, address string, in Values, fx Effects) (Values, error) {
	p, op, err := x.Lookup(address)
	if err != nil {
		return nil, err
	}
	name := p.String()

	args, err := complete(op.Inputs, in)
	if err != nil {
		return nil, &OperationError{Operation: name, Reason: err.Error(), Err: ErrInvalidInput}
	}
	h, ok := x.operations[name]
	if !ok {
		return nil, &OperationError{Operation: name, Reason: "no handler is bound", Err: ErrOperationFailed}
	}

	out, err := call(ctx, h, args, fx)
	if err != nil {
		return nil, &OperationError{Operation: name, Reason: reason(err), Err: ErrOperationFailed, Cause: err}
	}
	results, err := complete(op.Outputs, out)
	if err != nil {
		return nil, &OperationError{Operation: name, Reason: "handler violated its contract: " + err.Error(), Err: ErrOperationFailed, Cause: errContract}
	}
	return results, nil
}

// errContract marks failures caused by the handler breaking its declaration
// rather than by its own judgement.
var errContract = errors.New("contract violation")

// IsContractViolation reports whether err stems from a handler whose outputs
// do not match the operation's declaration, or that panicked.
func IsContractViolation(err error) bool {
	return errors.Is(err, errContract)
}

func call(ctx context.Context, h Handler, in Values, fx Effects) (out Values, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return h.Invoke(ctx, in, fx)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("handler panicked: %v", e.value) }

func (e *panicError) Unwrap() error { return errContract }

// Stack returns the goroutine stack captured when the handler panicked.
func (e *panicError) Stack() []byte { return e.stack }

func reason(err error) string {
	var f Failure
	if errors.As(err, &f) {
		return string(f)
	}
	return err.Error()
}

// complete checks vals against the declared variables and fills in defaults.
func complete(vars []schema.Variable, vals Values) (Values, error) {
	declared := make(map[string]schema.Variable, len(vars))
	for _, v := range vars {
		declared[v.Name] = v
	}
	for name, val := range vals {
		v, ok := declared[name]
		if !ok {
			return nil, fmt.Errorf("undeclared variable %q", name)
		}
		if !schema.Check(v.ValueType, val) {
			return nil, fmt.Errorf("variable %q: %v is not a %s", name, val, v.ValueType)
		}
	}
	out := make(Values, len(vars))
	for _, v := range vars {
		if val, ok := vals[v.Name]; ok {
			out[v.Name] = val
		} else if v.Default != nil {
			out[v.Name] = v.Default
		} else {
			out[v.Name] = schema.Zero(v.ValueType)
		}
	}
	return out, nil
}
