package schema

import (
	"fmt"
	"strings"
)

const (
	// TwinSeparator separates the twin identifier from the rest of an address.
	TwinSeparator = "#"
	// PathSeparator separates the submodel identifier and the short names of an
	// address.
	PathSeparator = "."
)

// Path locates an element within a single twin: the identifier of its submodel
// followed by the short names of the collections leading to it (and its own).
//
// A Path without segments names the submodel itself.
type Path struct {
	Submodel string
	Segments []string
}

// Child returns a new Path extended by the given short name.
func (p Path) Child(name string) Path {
	segments := make([]string, len(p.Segments)+1)
	copy(segments, p.Segments)
	segments[len(p.Segments)] = name
	return Path{Submodel: p.Submodel, Segments: segments}
}

// Parent returns the path of the enclosing collection (or submodel). The parent
// of a submodel path is itself.
func (p Path) Parent() Path {
	if len(p.Segments) == 0 {
		return p
	}
	return Path{Submodel: p.Submodel, Segments: p.Segments[:len(p.Segments)-1]}
}

// Name returns the last short name of the path, or the submodel identifier.
func (p Path) Name() string {
	if len(p.Segments) == 0 {
		return p.Submodel
	}
	return p.Segments[len(p.Segments)-1]
}

// IsZero reports whether p is the zero Path.
func (p Path) IsZero() bool {
	return p.Submodel == "" && len(p.Segments) == 0
}

func (p Path) String() string {
	if len(p.Segments) == 0 {
		return p.Submodel
	}
	return p.Submodel + PathSeparator + strings.Join(p.Segments, PathSeparator)
}

// Address is a qualified address: a Path optionally qualified by the global
// identifier of the twin that owns it.
type Address struct {
	// Twin is empty for addresses relative to the current twin.
	Twin string
	Path
}

// In reports whether a is local to the twin with the given identifier, i.e. it
// either names no twin or names that twin explicitly.
func (a Address) In(twinID string) bool {
	return a.Twin == "" || a.Twin == twinID
}

// Qualify returns a with its Twin set to twinID if it had none.
func (a Address) Qualify(twinID string) Address {
	if a.Twin == "" {
		a.Twin = twinID
	}
	return a
}

func (a Address) String() string {
	if a.Twin == "" {
		return a.Path.String()
	}
	return a.Twin + TwinSeparator + a.Path.String()
}

// ParseAddress parses either a twin-local address ("<submodel-id>.<a>.<b>") or
// a cross-twin address ("<twin-id>#<submodel-id>.<a>.<b>").
//
// The twin identifier ends at the first '#'; the submodel identifier ends at the
// first '.' after it. Compile guarantees that submodel identifiers and short
// names never contain either separator.
func ParseAddress(s string) (Address, error) {
	var a Address
	rest := s
	if i := strings.Index(s, TwinSeparator); i >= 0 {
		a.Twin, rest = s[:i], s[i+1:]
		if a.Twin == "" {
			return Address{}, fmt.Errorf("%w %q: empty twin identifier", ErrMalformedAddress, s)
		}
	}
	if rest == "" {
		return Address{}, fmt.Errorf("%w %q: empty path", ErrMalformedAddress, s)
	}
	parts := strings.Split(rest, PathSeparator)
	for _, part := range parts {
		if part == "" {
			return Address{}, fmt.Errorf("%w %q: empty segment", ErrMalformedAddress, s)
		}
	}
	a.Submodel = parts[0]
	if len(parts) > 1 {
		a.Segments = parts[1:]
	}
	return a, nil
}

// MustParseAddress is like ParseAddress but panics on malformed input. It is
// meant for addresses fixed at compile time.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}
