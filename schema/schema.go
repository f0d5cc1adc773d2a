package schema

// Twin is the declared structure of a digital twin: the root of the schema tree.
// A Twin is produced by an external parser (or built in code). Compile works on
// a copy, so the caller may keep or change a Twin after handing it over.
type Twin struct {
	// ID is the globally unique identifier of the twin (typically a URN such as
	// "urn:aas:smart-home:charging-station:cs-0001").
	ID string
	// IDShort is a short human-readable name.
	IDShort string
	// Description is free text.
	Description string
	// Submodels in declaration order.
	Submodels []Submodel
}

// Submodel groups related elements under a twin, analogous to a namespace. Its
// ID is unique within the owning twin but not necessarily globally unique.
type Submodel struct {
	ID       string
	IDShort  string
	Elements []Element
}

// Kind enumerates the variants of Element.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindProperty
	KindCollection
	KindReference
	KindOperation
	KindEvent
	// KindSubmodel is reported for paths that name a whole submodel.
	KindSubmodel
)

func (k Kind) String() string {
	switch k {
	case KindProperty:
		return "property"
	case KindCollection:
		return "collection"
	case KindReference:
		return "reference"
	case KindOperation:
		return "operation"
	case KindEvent:
		return "event"
	case KindSubmodel:
		return "submodel"
	default:
		return "invalid"
	}
}

// Element is a node of a submodel: a property, a collection, a reference
// element, an operation or an event.
type Element interface {
	// ShortName returns the element's short name, unique among its siblings.
	ShortName() string
	// Kind returns the variant of the element.
	Kind() Kind
	element()
}

// Property is a scalar with a declared type and an initial value.
type Property struct {
	IDShort   string
	ValueType ValueType
	Value     Value
}

// Collection nests other elements under a short name.
type Collection struct {
	IDShort  string
	Children []Element
}

// ReferenceElement holds no value of its own; its value is the value found at
// Target, resolved at read time. Target is an address string, optionally
// prefixed by another twin's ID ("<twin-id>#<submodel-id>.<path>").
type ReferenceElement struct {
	IDShort string
	Target  string
}

// Operation declares a callable capability and its variable contract. Its logic
// is supplied at instantiation (see the operation package).
type Operation struct {
	IDShort string
	Inputs  []Variable
	Outputs []Variable
}

// Event is a named signal. Emissions may carry a payload chosen by the emitting
// logic.
type Event struct {
	IDShort string
}

// Variable is an input or output variable of an Operation.
type Variable struct {
	Name      string
	ValueType ValueType
	Default   Value
}

func (e *Property) ShortName() string         { return e.IDShort }
func (e *Collection) ShortName() string       { return e.IDShort }
func (e *ReferenceElement) ShortName() string { return e.IDShort }
func (e *Operation) ShortName() string        { return e.IDShort }
func (e *Event) ShortName() string            { return e.IDShort }

func (*Property) Kind() Kind         { return KindProperty }
func (*Collection) Kind() Kind       { return KindCollection }
func (*ReferenceElement) Kind() Kind { return KindReference }
func (*Operation) Kind() Kind        { return KindOperation }
func (*Event) Kind() Kind            { return KindEvent }

func (*Property) element()         {}
func (*Collection) element()       {}
func (*ReferenceElement) element() {}
func (*Operation) element()        {}
func (*Event) element()            {}

// Input returns the declared input variable with the given name.
func (e *Operation) Input(name string) (Variable, bool) {
	return lookupVariable(e.Inputs, name)
}

// Output returns the declared output variable with the given name.
func (e *Operation) Output(name string) (Variable, bool) {
	return lookupVariable(e.Outputs, name)
}

func lookupVariable(vars []Variable, name string) (Variable, bool) {
	for _, v := range vars {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}
