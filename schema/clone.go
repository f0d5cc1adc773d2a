package schema

// Clone returns a deep copy of t. Values are shared, declarable values being
// immutable scalars. Clone must not be called on a schema with a cyclic
// collection; Compile rejects those before cloning.
func (t *Twin) Clone() *Twin {
	if t == nil {
		return nil
	}
	c := *t
	c.Submodels = make([]Submodel, len(t.Submodels))
	for i, sm := range t.Submodels {
		sm.Elements = cloneElements(sm.Elements)
		c.Submodels[i] = sm
	}
	return &c
}

func cloneElements(elems []Element) []Element {
	if elems == nil {
		return nil
	}
	out := make([]Element, len(elems))
	for i, e := range elems {
		out[i] = cloneElement(e)
	}
	return out
}

func cloneElement(e Element) Element {
	switch e := e.(type) {
	case *Property:
		c := *e
		return &c
	case *Collection:
		return &Collection{IDShort: e.IDShort, Children: cloneElements(e.Children)}
	case *ReferenceElement:
		c := *e
		return &c
	case *Operation:
		return &Operation{IDShort: e.IDShort, Inputs: cloneVariables(e.Inputs), Outputs: cloneVariables(e.Outputs)}
	case *Event:
		c := *e
		return &c
	}
	return e
}

func cloneVariables(vars []Variable) []Variable {
	if vars == nil {
		return nil
	}
	return append([]Variable(nil), vars...)
}
