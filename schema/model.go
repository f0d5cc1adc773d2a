package schema

import (
	"fmt"
	"strings"
)

// A Model is the compiled, read-only form of a Twin schema. It indexes every
// element by its Path and is safe for concurrent use because it is never
// modified after Compile returns.
type Model struct {
	twin      *Twin
	nodes     map[string]*Node
	submodels []*Node
}

// A Node is an entry of a Model: either a submodel (Element is nil) or an
// element located at Path.
type Node struct {
	Path     Path
	Element  Element
	Children []*Node
}

// Kind returns the kind of the element at the node, or KindSubmodel.
func (n *Node) Kind() Kind {
	if n.Element == nil {
		return KindSubmodel
	}
	return n.Element.Kind()
}

// Compile validates the given schema and returns its Model.
//
// Compile enforces the structural invariants of a twin schema:
//
//   - the twin, its submodels and all elements have non-empty identifiers and
//     short names that contain neither '#' nor '.';
//   - submodel identifiers are unique within the twin, and short names are
//     unique among their siblings;
//   - every Property's initial value, and every operation Variable's default
//     value, type-checks against its declared type;
//   - no collection contains itself, directly or transitively.
//
// Dangling reference targets are deliberately not checked: the referenced twin
// may not exist yet. They surface as resolution errors at read time.
//
// The Model is compiled from a deep copy of t, changes made to t afterwards do
// not reach it.
func Compile(t *Twin) (*Model, error) {
	// The copy is taken once t is known to be acyclic.
	if _, err := compile(t); err != nil {
		return nil, err
	}
	return compile(t.Clone())
}

func compile(t *Twin) (*Model, error) {
	if t == nil {
		return nil, &SchemaError{Reason: "nil schema"}
	}
	if t.ID == "" {
		return nil, &SchemaError{Twin: t.ID, Reason: "empty twin identifier"}
	}
	if strings.Contains(t.ID, TwinSeparator) {
		return nil, &SchemaError{Twin: t.ID, Reason: fmt.Sprintf("twin identifier contains %q", TwinSeparator)}
	}

	c := compiler{
		twin:     t,
		model:    &Model{twin: t, nodes: make(map[string]*Node)},
		visiting: make(map[*Collection]bool),
	}
	ids := make(map[string]bool, len(t.Submodels))
	for i := range t.Submodels {
		sm := &t.Submodels[i]
		if err := checkName(sm.ID); err != nil {
			return nil, &SchemaError{Twin: t.ID, Path: fmt.Sprintf("submodels[%d]", i), Reason: "submodel identifier " + err.Error()}
		}
		if ids[sm.ID] {
			return nil, &SchemaError{Twin: t.ID, Path: sm.ID, Reason: "duplicate submodel identifier"}
		}
		ids[sm.ID] = true

		root := &Node{Path: Path{Submodel: sm.ID}}
		children, err := c.elements(root.Path, sm.Elements)
		if err != nil {
			return nil, err
		}
		root.Children = children
		c.model.nodes[root.Path.String()] = root
		c.model.submodels = append(c.model.submodels, root)
	}
	return c.model, nil
}

type compiler struct {
	twin  *Twin
	model *Model
	// visiting holds the collections on the current descent, to detect cycles.
	visiting map[*Collection]bool
}

func (c *compiler) fail(p Path, reason string, err error) error {
	return &SchemaError{Twin: c.twin.ID, Path: p.String(), Reason: reason, Err: err}
}

func (c *compiler) elements(parent Path, elems []Element) ([]*Node, error) {
	nodes := make([]*Node, 0, len(elems))
	seen := make(map[string]bool, len(elems))
	for i, e := range elems {
		if e == nil {
			return nil, c.fail(parent, fmt.Sprintf("element %d is nil", i), nil)
		}
		name := e.ShortName()
		if err := checkName(name); err != nil {
			return nil, c.fail(parent, fmt.Sprintf("element %d short name %s", i, err), nil)
		}
		if seen[name] {
			return nil, c.fail(parent, fmt.Sprintf("duplicate short name %q", name), nil)
		}
		seen[name] = true

		n, err := c.element(parent.Child(name), e)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (c *compiler) element(p Path, e Element) (*Node, error) {
	n := &Node{Path: p, Element: e}
	switch x := e.(type) {
	case *Property:
		if !x.ValueType.Declarable() {
			return nil, c.fail(p, fmt.Sprintf("undeclarable value type %s", x.ValueType), nil)
		}
		if !Check(x.ValueType, x.Value) {
			return nil, c.fail(p, fmt.Sprintf("initial value %v is not a %s", x.Value, x.ValueType), ErrTypeMismatch)
		}
	case *Collection:
		if c.visiting[x] {
			return nil, c.fail(p, "collection contains itself", ErrCyclicStructure)
		}
		c.visiting[x] = true
		children, err := c.elements(p, x.Children)
		delete(c.visiting, x)
		if err != nil {
			return nil, err
		}
		n.Children = children
	case *ReferenceElement:
		if _, err := ParseAddress(x.Target); err != nil {
			return nil, c.fail(p, "reference target", err)
		}
	case *Operation:
		if err := c.variables(p, "input", x.Inputs); err != nil {
			return nil, err
		}
		if err := c.variables(p, "output", x.Outputs); err != nil {
			return nil, err
		}
	case *Event:
	default:
		return nil, c.fail(p, fmt.Sprintf("unsupported element %T", e), nil)
	}
	c.model.nodes[p.String()] = n
	return n, nil
}

func (c *compiler) variables(p Path, direction string, vars []Variable) error {
	seen := make(map[string]bool, len(vars))
	for _, v := range vars {
		if v.Name == "" {
			return c.fail(p, "empty "+direction+" variable name", nil)
		}
		if seen[v.Name] {
			return c.fail(p, fmt.Sprintf("duplicate %s variable %q", direction, v.Name), nil)
		}
		seen[v.Name] = true
		if !v.ValueType.Declarable() {
			return c.fail(p, fmt.Sprintf("%s variable %q has undeclarable type %s", direction, v.Name, v.ValueType), nil)
		}
		if v.Default != nil && !Check(v.ValueType, v.Default) {
			return c.fail(p, fmt.Sprintf("%s variable %q default %v is not a %s", direction, v.Name, v.Default, v.ValueType), ErrTypeMismatch)
		}
	}
	return nil
}

func checkName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("is empty")
	case strings.Contains(name, TwinSeparator), strings.Contains(name, PathSeparator):
		return fmt.Errorf("%q contains a reserved separator", name)
	}
	return nil
}

// ID returns the identifier of the compiled twin.
func (m *Model) ID() string { return m.twin.ID }

// Twin returns the copy of the schema the Model was compiled from. Do not
// modify it.
func (m *Model) Twin() *Twin { return m.twin }

// Node returns the node at the given path.
func (m *Model) Node(p Path) (*Node, error) {
	n, ok := m.nodes[p.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return n, nil
}

// Lookup returns the element at the given path. A path that names a submodel
// yields ErrTypeMismatch since submodels are not elements.
func (m *Model) Lookup(p Path) (Element, error) {
	n, err := m.Node(p)
	if err != nil {
		return nil, err
	}
	if n.Element == nil {
		return nil, fmt.Errorf("%w: %s is a submodel", ErrTypeMismatch, p)
	}
	return n.Element, nil
}

// Children enumerates the elements directly under the submodel or collection at
// the given path, in declaration order. Other elements have no children.
func (m *Model) Children(p Path) ([]Element, error) {
	n, err := m.Node(p)
	if err != nil {
		return nil, err
	}
	elems := make([]Element, len(n.Children))
	for i, child := range n.Children {
		elems[i] = child.Element
	}
	return elems, nil
}

// Submodels returns the submodel nodes in declaration order.
func (m *Model) Submodels() []*Node {
	return m.submodels
}

// Len returns the number of indexed nodes, submodels included.
func (m *Model) Len() int { return len(m.nodes) }
