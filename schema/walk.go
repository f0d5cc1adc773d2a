package schema

// A Visitor defines a Visit method invoked for each Node encountered by Walk. If
// the result visitor w is not nil, Walk visits each child of the node with the
// visitor w, followed by a call of w.Visit(nil).
type Visitor interface {
	Visit(node *Node) (w Visitor)
}

// Walk traverses a Model in depth-first order: It calls WalkSubtree(root) for
// each submodel in declaration order; the model must not be nil.
func Walk(v Visitor, m *Model) {
	for _, root := range m.submodels {
		WalkSubtree(v, root)
	}
}

// WalkSubtree traverses the subtree of the given node in depth-first order: It
// starts by calling v.Visit(node). If the visitor w returned by v.Visit(node)
// is not nil, walk is invoked recursively with visitor w for each child of the
// node, followed by a call of w.Visit(nil).
func WalkSubtree(v Visitor, node *Node) {
	if v = v.Visit(node); v == nil {
		return
	}
	for _, child := range node.Children {
		WalkSubtree(v, child)
	}
	v.Visit(nil)
}

type inspector func(*Node) bool

func (f inspector) Visit(node *Node) Visitor {
	if f(node) {
		return f
	}
	return nil
}

// Inspect traverses a Model in depth-first order: It starts by calling f(root)
// for every submodel of the given model. If f returns true, Inspect invokes f
// recursively for each child of the node, followed by a call of f(nil).
func Inspect(m *Model, f func(*Node) bool) {
	Walk(inspector(f), m)
}

// Elements calls fn for every element of the model (submodels excluded) in
// depth-first declaration order.
func Elements(m *Model, fn func(p Path, e Element)) {
	Inspect(m, func(n *Node) bool {
		if n == nil {
			return false
		}
		if n.Element != nil {
			fn(n.Path, n.Element)
		}
		return true
	})
}
