// Package state holds the live, mutable values backing a twin's properties.
//
// A Store is owned by exactly one twin actor and is not safe for concurrent use:
// the actor's mailbox serialises every access. Versions are exposed so that
// callers reading outside the actor can detect stale reads; they are a signal,
// not a lock.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-digitaltwin/go-twin/resolve"
	"github.com/go-digitaltwin/go-twin/schema"
)

// ErrNotWritable reports a write to anything but a local Property.
var ErrNotWritable = errors.New("not writable")

// A StateError rejects a single read or write.
type StateError struct {
	Address string
	Err     error // ErrNotWritable or schema.ErrTypeMismatch
}

func (e *StateError) Error() string {
	return "state " + e.Address + ": " + e.Err.Error()
}

func (e *StateError) Unwrap() error { return e.Err }

// A Reading is the outcome of a read. When the read address named a reference
// element, Address is the property (or collection) at the end of the chain.
type Reading struct {
	Address schema.Address
	Value   schema.Value
	Version uint64
}

// An Ack acknowledges a successful write.
type Ack struct {
	Address  schema.Address
	Version  uint64       // version after the write
	Previous schema.Value // value before the write
}

// slot is the storage of a single property.
type slot struct {
	typ     schema.ValueType
	value   schema.Value
	version uint64
}

// A Store maps property paths to their current values.
type Store struct {
	model    *schema.Model
	slots    map[string]*slot
	resolver *resolve.Resolver
}

// New allocates a Store for the given model, initialising every property with
// its declared initial value. Reads of references that leave the twin go
// through peers; maxDepth bounds reference chains (resolve.DefaultMaxDepth if
// zero).
func New(model *schema.Model, peers resolve.Peers, maxDepth int) *Store {
	s := &Store{model: model}
	var b builder
	schema.Walk(&b, model)
	s.slots = b.slots
	s.resolver = &resolve.Resolver{
		Twin:     model.ID(),
		Model:    model,
		Values:   s,
		Peers:    peers,
		MaxDepth: maxDepth,
	}
	return s
}

// Resolver returns the resolver reading through this store.
func (s *Store) Resolver() *resolve.Resolver { return s.resolver }

// Load implements resolve.Values.
func (s *Store) Load(p schema.Path) (schema.Value, uint64, bool) {
	sl, ok := s.slots[p.String()]
	if !ok {
		return nil, 0, false
	}
	return sl.value, sl.version, true
}

// Read returns the current value at the given address: the stored value of a
// Property, the value at the end of a reference chain (resolved afresh on every
// read), or a schema.Record snapshot of a Collection. Operations and events hold
// no value and fail with schema.ErrTypeMismatch.
func (s *Store) Read(ctx context.Context, address string) (Reading, error) {
	res, err := s.resolver.Expect(ctx, address, schema.KindProperty, schema.KindCollection)
	if err != nil {
		return Reading{}, err
	}
	return Reading{Address: res.Address, Value: res.Value, Version: res.Version}, nil
}

// Write replaces the value of the Property at the given address and increments
// its version. Anything but a local Property fails with ErrNotWritable; a value
// of the wrong type fails with schema.ErrTypeMismatch. A failed write leaves the
// store unchanged.
func (s *Store) Write(address string, v schema.Value) (Ack, error) {
	addr, err := schema.ParseAddress(address)
	if err != nil {
		return Ack{}, &resolve.ResolutionError{Address: address, Err: fmt.Errorf("%w: %w", schema.ErrNotFound, err)}
	}
	return s.WriteAddress(addr, v)
}

// WriteAddress is Write for a parsed address.
func (s *Store) WriteAddress(addr schema.Address, v schema.Value) (Ack, error) {
	if !addr.In(s.model.ID()) {
		return Ack{}, &StateError{Address: addr.String(), Err: fmt.Errorf("%w: owned by twin %s", ErrNotWritable, addr.Twin)}
	}
	addr = addr.Qualify(s.model.ID())
	e, err := s.model.Lookup(addr.Path)
	if errors.Is(err, schema.ErrNotFound) {
		return Ack{}, &resolve.ResolutionError{Address: addr.String(), Err: err}
	} else if err != nil {
		return Ack{}, &StateError{Address: addr.String(), Err: fmt.Errorf("%w: %w", ErrNotWritable, err)}
	}
	if e.Kind() != schema.KindProperty {
		return Ack{}, &StateError{Address: addr.String(), Err: fmt.Errorf("%w: %s", ErrNotWritable, e.Kind())}
	}
	sl := s.slots[addr.Path.String()]
	if !schema.Check(sl.typ, v) {
		return Ack{}, &StateError{Address: addr.String(), Err: fmt.Errorf("%w: %v is not a %s", schema.ErrTypeMismatch, v, sl.typ)}
	}
	prev := sl.value
	sl.value = v
	sl.version++
	return Ack{Address: addr, Version: sl.version, Previous: prev}, nil
}

// Version returns the write counter of the property at the given path.
func (s *Store) Version(p schema.Path) (uint64, bool) {
	sl, ok := s.slots[p.String()]
	if !ok {
		return 0, false
	}
	return sl.version, true
}

// An Entry is a property value as listed by Snapshot.
type Entry struct {
	Path    string
	Value   schema.Value
	Version uint64
}

// Snapshot lists all property values sorted by path.
func (s *Store) Snapshot() []Entry {
	entries := make([]Entry, 0, len(s.slots))
	for p, sl := range s.slots {
		entries = append(entries, Entry{Path: p, Value: sl.value, Version: sl.version})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}
