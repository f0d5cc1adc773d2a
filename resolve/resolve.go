// Package resolve maps addresses to concrete elements and their current values,
// within one twin or across twins.
//
// Local addresses are resolved against the twin's schema.Model. Addresses that
// name another twin are delegated to a Peers implementation, which the runtime
// provides by sending a lookup message to the owning twin's mailbox with a
// bounded timeout. Reference elements are followed transitively up to a fixed
// depth, so reference cycles spanning several twins fail instead of looping.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/go-digitaltwin/go-twin/schema"
)

// DefaultMaxDepth is the number of reference elements a single resolution may
// follow before failing with ErrReferenceCycleOrTooDeep.
const DefaultMaxDepth = 8

var (
	// ErrUnreachableTwin reports a target twin that is unknown, terminated, or that
	// did not answer a lookup in time.
	ErrUnreachableTwin = errors.New("unreachable twin")
	// ErrReferenceCycleOrTooDeep reports a chain of references longer than the
	// configured maximum depth.
	ErrReferenceCycleOrTooDeep = errors.New("reference cycle or too deep")
)

// A ResolutionError wraps the reason an address could not be resolved: one of
// schema.ErrNotFound, schema.ErrTypeMismatch, ErrUnreachableTwin or
// ErrReferenceCycleOrTooDeep.
type ResolutionError struct {
	Address string
	Err     error
}

func (e *ResolutionError) Error() string {
	return "resolve " + e.Address + ": " + e.Err.Error()
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// wrap returns err as a ResolutionError about addr unless it already is one, so
// that errors surfacing from deep in a reference chain keep naming the address
// where the chain broke.
func wrap(addr schema.Address, err error) error {
	var re *ResolutionError
	if errors.As(err, &re) {
		return err
	}
	return &ResolutionError{Address: addr.String(), Err: err}
}

// A Result is a resolved element. For a Property, Value holds its current value
// and Version its write counter; for a Collection, Value is a schema.Record of
// its children. Operations and Events carry no Value.
//
// When the resolved address named a reference element, Address and Kind
// describe the element at the end of the reference chain.
type Result struct {
	Address schema.Address
	Kind    schema.Kind
	Value   schema.Value
	Version uint64
}

// A Request carries the bookkeeping of a resolution that may cross twins.
type Request struct {
	// Address to resolve. It is always qualified when sent to a peer.
	Address schema.Address
	// Depth counts the reference elements followed so far.
	Depth int
	// Chain lists the twins blocked while awaiting this resolution, oldest
	// first. A twin on the chain cannot serve a lookup until the chain unwinds.
	Chain []string
}

// Values provides the current values of the properties local to a twin.
type Values interface {
	Load(p schema.Path) (v schema.Value, version uint64, ok bool)
}

// Peers forwards a resolution to the twin named by req.Address.Twin and awaits
// its answer. Implementations must bound the wait and report an unknown or
// silent twin with ErrUnreachableTwin.
type Peers interface {
	ResolveForPeer(ctx context.Context, req Request) (Result, error)
}

// A Resolver resolves addresses on behalf of a single twin.
//
// The zero value is not usable; Twin, Model and Values must be set. Peers may
// be nil, in which case every cross-twin address is unreachable.
type Resolver struct {
	Twin     string
	Model    *schema.Model
	Values   Values
	Peers    Peers
	MaxDepth int // DefaultMaxDepth if zero
}

func (r *Resolver) maxDepth() int {
	if r.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return r.MaxDepth
}

// Resolve parses and resolves the given address, following references.
func (r *Resolver) Resolve(ctx context.Context, address string) (Result, error) {
	addr, err := schema.ParseAddress(address)
	if err != nil {
		return Result{}, &ResolutionError{Address: address, Err: fmt.Errorf("%w: %w", schema.ErrNotFound, err)}
	}
	return r.ResolveRequest(ctx, Request{Address: addr})
}

// Expect resolves the given address and fails with schema.ErrTypeMismatch unless
// the resolved element is one of the given kinds.
func (r *Resolver) Expect(ctx context.Context, address string, kinds ...schema.Kind) (Result, error) {
	res, err := r.Resolve(ctx, address)
	if err != nil {
		return Result{}, err
	}
	if !slices.Contains(kinds, res.Kind) {
		return Result{}, &ResolutionError{
			Address: address,
			Err:     fmt.Errorf("%w: %s is a %s, want %v", schema.ErrTypeMismatch, res.Address, res.Kind, kinds),
		}
	}
	return res, nil
}

// ResolveRequest resolves req.Address, either locally or through Peers.
func (r *Resolver) ResolveRequest(ctx context.Context, req Request) (Result, error) {
	if !req.Address.In(r.Twin) {
		return r.remote(ctx, req)
	}
	req.Address = req.Address.Qualify(r.Twin)

	node, err := r.Model.Node(req.Address.Path)
	if err != nil {
		return Result{}, wrap(req.Address, err)
	}
	switch e := node.Element.(type) {
	case nil:
		return Result{}, wrap(req.Address, fmt.Errorf("%w: %s is a submodel", schema.ErrTypeMismatch, req.Address.Path))
	case *schema.Property:
		v, version, ok := r.Values.Load(req.Address.Path)
		if !ok {
			// Every property gets a slot when the store is built.
			v = e.Value
		}
		return Result{Address: req.Address, Kind: schema.KindProperty, Value: v, Version: version}, nil
	case *schema.Collection:
		record, err := r.record(ctx, node, req)
		if err != nil {
			return Result{}, err
		}
		return Result{Address: req.Address, Kind: schema.KindCollection, Value: record}, nil
	case *schema.ReferenceElement:
		return r.follow(ctx, req, e)
	default:
		return Result{Address: req.Address, Kind: e.Kind()}, nil
	}
}

func (r *Resolver) follow(ctx context.Context, req Request, ref *schema.ReferenceElement) (Result, error) {
	if req.Depth >= r.maxDepth() {
		return Result{}, wrap(req.Address, fmt.Errorf("%w: followed %d references", ErrReferenceCycleOrTooDeep, req.Depth))
	}
	target, err := schema.ParseAddress(ref.Target)
	if err != nil {
		// Compile validates reference targets, so this is unreachable for models
		// built by schema.Compile.
		return Result{}, wrap(req.Address, fmt.Errorf("%w: %w", schema.ErrNotFound, err))
	}
	next := Request{
		// Unqualified targets are relative to the twin that declares the reference.
		Address: target.Qualify(r.Twin),
		Depth:   req.Depth + 1,
		Chain:   req.Chain,
	}
	res, err := r.ResolveRequest(ctx, next)
	if err != nil {
		return Result{}, err
	}
	if res.Kind != schema.KindProperty && res.Kind != schema.KindCollection {
		return Result{}, wrap(req.Address, fmt.Errorf("%w: reference target %s is a %s", schema.ErrTypeMismatch, res.Address, res.Kind))
	}
	return res, nil
}

func (r *Resolver) record(ctx context.Context, node *schema.Node, req Request) (schema.Record, error) {
	record := make(schema.Record, len(node.Children))
	for _, child := range node.Children {
		switch child.Kind() {
		case schema.KindOperation, schema.KindEvent:
			continue
		}
		res, err := r.ResolveRequest(ctx, Request{
			Address: schema.Address{Twin: r.Twin, Path: child.Path},
			Depth:   req.Depth,
			Chain:   req.Chain,
		})
		if err != nil {
			return nil, err
		}
		record[child.Element.ShortName()] = res.Value
	}
	return record, nil
}

func (r *Resolver) remote(ctx context.Context, req Request) (Result, error) {
	if r.Peers == nil {
		return Result{}, wrap(req.Address, fmt.Errorf("%w: %s", ErrUnreachableTwin, req.Address.Twin))
	}
	// The owning twin is blocked upstream of us; asking it would only wait for the
	// timeout.
	if slices.Contains(req.Chain, req.Address.Twin) {
		return Result{}, wrap(req.Address, fmt.Errorf("%w: %s is awaiting this resolution", ErrUnreachableTwin, req.Address.Twin))
	}
	chain := make([]string, len(req.Chain), len(req.Chain)+1)
	copy(chain, req.Chain)
	req.Chain = append(chain, r.Twin)

	res, err := r.Peers.ResolveForPeer(ctx, req)
	if err != nil {
		return Result{}, wrap(req.Address, err)
	}
	return res, nil
}
