// Package ingress feeds device readings and operator commands into running
// twins.
//
// Devices are bound to twins by their schemas: a Collection that holds a String
// property named SensorID and a property named Value binds the device with that
// identifier to the Value property. Every update from the device is written to
// each Value property bound to it, which in turn fires the twin's triggers.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	twin "github.com/go-digitaltwin/go-twin"
	"github.com/go-digitaltwin/go-twin/operation"
	"github.com/go-digitaltwin/go-twin/schema"
)

// Short names that mark a device binding within a Collection.
const (
	SensorIDName = "SensorID"
	ValueName    = "Value"
)

var (
	// ErrUnknownDevice is returned for updates from devices no twin is bound to.
	ErrUnknownDevice = errors.New("no twin is bound to the device")
	// ErrUnknownTwin is returned for commands that target no running twin.
	ErrUnknownTwin = errors.New("no such twin")
	// ErrUnknownCommand is returned for commands that name no operation of the
	// target, or a short name shared by several.
	ErrUnknownCommand = errors.New("no such operation")
)

// A Binding ties a device to the property its readings are written to.
type Binding struct {
	Twin string
	Path schema.Path
}

// A Router dispatches Messages to the twins they concern. It learns about twins
// as a twin.Observer of the runtime, or through Add.
//
// The zero Router is ready to use. Router is safe for concurrent use.
type Router struct {
	mu      sync.RWMutex
	twins   map[string]*twin.Handle
	devices map[string][]Binding
}

var _ twin.Observer = (*Router)(nil)

// Add binds the devices declared by the schema of h.
func (r *Router) Add(h *twin.Handle) {
	bindings := Discover(h.Schema())
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.twins == nil {
		r.twins = make(map[string]*twin.Handle)
		r.devices = make(map[string][]Binding)
	}
	r.twins[h.ID()] = h
	for device, paths := range bindings {
		for _, p := range paths {
			r.devices[device] = append(r.devices[device], Binding{Twin: h.ID(), Path: p})
		}
	}
}

// Remove forgets the twin with the given identifier and its device bindings.
func (r *Router) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.twins, id)
	for device, bindings := range r.devices {
		kept := bindings[:0]
		for _, b := range bindings {
			if b.Twin != id {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(r.devices, device)
		} else {
			r.devices[device] = kept
		}
	}
}

// TwinInstantiated implements twin.Observer.
func (r *Router) TwinInstantiated(_ context.Context, h *twin.Handle) { r.Add(h) }

// TwinTerminated implements twin.Observer.
func (r *Router) TwinTerminated(_ context.Context, id string) { r.Remove(id) }

// Bindings returns the properties bound to the given device, ordered by twin.
func (r *Router) Bindings(device string) []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bindings := append([]Binding(nil), r.devices[device]...)
	sort.SliceStable(bindings, func(i, j int) bool { return bindings[i].Twin < bindings[j].Twin })
	return bindings
}

// Route delivers m: the update is written to every property bound to its
// device, then the command is invoked at its target. Route waits for each twin
// to acknowledge and returns the joined errors.
func (r *Router) Route(ctx context.Context, m Message) (err error) {
	ctx, span := tracer.Start(ctx, "ingress.Route")
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	var errs []error
	if m.Update != nil {
		span.SetAttributes(attribute.String("device.id", m.Update.Object))
		errs = append(errs, r.update(ctx, *m.Update))
	}
	if m.Command != nil {
		span.SetAttributes(attribute.String("twin.id", m.Command.Target))
		errs = append(errs, r.command(ctx, *m.Command))
	}
	return errors.Join(errs...)
}

func (r *Router) update(ctx context.Context, u Update) (err error) {
	defer func() { measureMessage(ctx, "update", err == nil) }()
	bindings := r.Bindings(u.Object)
	if len(bindings) == 0 {
		return fmt.Errorf("update from %s: %w", u.Object, ErrUnknownDevice)
	}
	logger := component.Logger(ctx).With(slog.String("device.id", u.Object))

	var errs []error
	for _, b := range bindings {
		h, ok := r.handle(b.Twin)
		if !ok {
			continue
		}
		if err := write(ctx, h, b.Path, u.Value); err != nil {
			errs = append(errs, fmt.Errorf("update %s#%s: %w", b.Twin, b.Path, err))
			continue
		}
		logger.Debug("Device reading written", slog.String("twin.id", b.Twin), slog.String("path", b.Path.String()))
	}
	return errors.Join(errs...)
}

func write(ctx context.Context, h *twin.Handle, p schema.Path, raw any) error {
	e, err := h.Schema().Lookup(p)
	if err != nil {
		return err
	}
	prop, ok := e.(*schema.Property)
	if !ok {
		return fmt.Errorf("%w: %s is a %s", twin.ErrNotWritable, p, e.Kind())
	}
	v, err := schema.Coerce(prop.ValueType, raw)
	if err != nil {
		return fmt.Errorf("%w: %w", twin.ErrTypeMismatch, err)
	}
	_, err = h.Write(ctx, p.String(), v)
	return err
}

func (r *Router) command(ctx context.Context, c Command) (err error) {
	defer func() { measureMessage(ctx, "command", err == nil) }()
	h, ok := r.handle(c.Target)
	if !ok {
		return fmt.Errorf("command %s: %w %s", c.Command, ErrUnknownTwin, c.Target)
	}
	p, op, err := findOperation(h.Schema(), c.Command)
	if err != nil {
		return fmt.Errorf("command %s at %s: %w", c.Command, c.Target, err)
	}
	args, err := Arguments(op, c.Args)
	if err != nil {
		return fmt.Errorf("command %s at %s: %w", c.Command, c.Target, err)
	}
	out, err := h.Invoke(ctx, p.String(), args)
	if err != nil {
		return fmt.Errorf("command %s at %s: %w", c.Command, c.Target, err)
	}
	component.Logger(ctx).Info("Command executed",
		slog.String("twin.id", c.Target),
		slog.String("operation", p.String()),
		slog.Any("outputs", out),
	)
	return nil
}

func (r *Router) handle(id string) (*twin.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.twins[id]
	return h, ok
}

// Discover returns the device bindings declared by a model: the paths of the
// Value properties keyed by the identifier of the device they are bound to.
func Discover(m *schema.Model) map[string][]schema.Path {
	found := make(map[string][]schema.Path)
	schema.Inspect(m, func(n *schema.Node) bool {
		if n == nil {
			return false
		}
		if n.Kind() != schema.KindCollection {
			return n.Kind() == schema.KindSubmodel
		}
		var device string
		var value *schema.Node
		for _, child := range n.Children {
			prop, ok := child.Element.(*schema.Property)
			if !ok {
				continue
			}
			switch prop.IDShort {
			case SensorIDName:
				if s, ok := prop.Value.(schema.String); ok {
					device = string(s)
				}
			case ValueName:
				value = child
			}
		}
		if device != "" && value != nil {
			found[device] = append(found[device], value.Path)
		}
		return true
	})
	return found
}

// findOperation looks up the operation named by a command: either its local
// address or its short name.
func findOperation(m *schema.Model, name string) (schema.Path, *schema.Operation, error) {
	if a, err := schema.ParseAddress(name); err == nil && a.Twin == "" {
		if e, err := m.Lookup(a.Path); err == nil {
			if op, ok := e.(*schema.Operation); ok {
				return a.Path, op, nil
			}
		}
	}
	var paths []schema.Path
	var ops []*schema.Operation
	schema.Elements(m, func(p schema.Path, e schema.Element) {
		if op, ok := e.(*schema.Operation); ok && op.IDShort == name {
			paths = append(paths, p)
			ops = append(ops, op)
		}
	})
	switch len(ops) {
	case 0:
		return schema.Path{}, nil, unknownCommand(name, "")
	case 1:
		return paths[0], ops[0], nil
	}
	return schema.Path{}, nil, unknownCommand(name, fmt.Sprintf("ambiguous between %s and %s", paths[0], paths[1]))
}

func unknownCommand(name, detail string) error {
	if detail == "" {
		return fmt.Errorf("%w %q", ErrUnknownCommand, name)
	}
	return fmt.Errorf("%w %q: %s", ErrUnknownCommand, name, detail)
}

// Arguments converts loosely typed command arguments into the operation's
// input values, coercing each by its declared type. raw is either nil, an object
// of named arguments, or a bare value for an operation with a single input.
func Arguments(op *schema.Operation, raw any) (operation.Values, error) {
	switch x := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		in := make(operation.Values, len(x))
		for name, v := range x {
			decl, ok := op.Input(name)
			if !ok {
				return nil, fmt.Errorf("%w: undeclared input %q", twin.ErrInvalidInput, name)
			}
			coerced, err := schema.Coerce(decl.ValueType, v)
			if err != nil {
				return nil, fmt.Errorf("%w: input %q: %w", twin.ErrInvalidInput, name, err)
			}
			in[name] = coerced
		}
		return in, nil
	default:
		if len(op.Inputs) != 1 {
			return nil, fmt.Errorf("%w: a bare argument needs exactly one input, %s declares %d", twin.ErrInvalidInput, op.IDShort, len(op.Inputs))
		}
		decl := op.Inputs[0]
		coerced, err := schema.Coerce(decl.ValueType, x)
		if err != nil {
			return nil, fmt.Errorf("%w: input %q: %w", twin.ErrInvalidInput, decl.Name, err)
		}
		return operation.Values{decl.Name: coerced}, nil
	}
}
