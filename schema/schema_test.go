package schema

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleTwin() *Twin {
	return &Twin{
		ID:      "urn:test:twin:1",
		IDShort: "Sample",
		Submodels: []Submodel{
			{
				ID:      "Power",
				IDShort: "PowerAndElectrical",
				Elements: []Element{
					&Property{IDShort: "Voltage", ValueType: TypeFloat, Value: Float(230)},
					&Collection{IDShort: "Meter", Children: []Element{
						&Property{IDShort: "SensorID", ValueType: TypeString, Value: String("urn:sensor:1")},
						&Property{IDShort: "Value", ValueType: TypeFloat, Value: Float(0)},
					}},
					&ReferenceElement{IDShort: "Draw", Target: "Power.Meter.Value"},
					&Operation{IDShort: "Calibrate", Inputs: []Variable{{Name: "offset", ValueType: TypeFloat, Default: Float(0)}}},
					&Event{IDShort: "Tripped"},
				},
			},
		},
	}
}

func TestCompileCopiesSchema(t *testing.T) {
	tw := sampleTwin()
	m, err := Compile(tw)
	if err != nil {
		t.Fatal("Compile():", err)
	}

	elems := tw.Submodels[0].Elements
	elems[2].(*ReferenceElement).Target = "elsewhere#Power.Voltage"
	op := elems[3].(*Operation)
	op.Inputs[0].ValueType = TypeString
	op.Inputs = append(op.Inputs, Variable{Name: "extra", ValueType: TypeBool})
	elems[0].(*Property).Value = String("lots")
	tw.Submodels[0].Elements = elems[:1]

	lookup := func(path string) Element {
		t.Helper()
		e, err := m.Lookup(MustParseAddress(path).Path)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", path, err)
		}
		return e
	}
	if got := lookup("Power.Draw").(*ReferenceElement).Target; got != "Power.Meter.Value" {
		t.Errorf("reference target = %q after changing the schema; want %q", got, "Power.Meter.Value")
	}
	want := []Variable{{Name: "offset", ValueType: TypeFloat, Default: Float(0)}}
	if diff := cmp.Diff(want, lookup("Power.Calibrate").(*Operation).Inputs); diff != "" {
		t.Error("operation inputs changed with the schema:", diff)
	}
	if got := lookup("Power.Voltage").(*Property).Value; got != Float(230) {
		t.Errorf("initial value = %v after changing the schema; want 230", got)
	}
	if got := m.Len(); got != 8 {
		t.Errorf("Len() = %d after truncating the schema; want 8", got)
	}
}

func TestCompile(t *testing.T) {
	m, err := Compile(sampleTwin())
	if err != nil {
		t.Fatal("Compile():", err)
	}
	if got, want := m.ID(), "urn:test:twin:1"; got != want {
		t.Errorf("ID() = %q; want %q", got, want)
	}

	e, err := m.Lookup(MustParseAddress("Power.Meter.Value").Path)
	if err != nil {
		t.Fatal("Lookup():", err)
	}
	if e.Kind() != KindProperty || e.ShortName() != "Value" {
		t.Errorf("Lookup() = %s %q; want property \"Value\"", e.Kind(), e.ShortName())
	}

	children, err := m.Children(Path{Submodel: "Power"})
	if err != nil {
		t.Fatal("Children():", err)
	}
	var names []string
	for _, c := range children {
		names = append(names, c.ShortName())
	}
	if diff := cmp.Diff([]string{"Voltage", "Meter", "Draw", "Calibrate", "Tripped"}, names); diff != "" {
		t.Error("Children() differs:", diff)
	}

	if _, err := m.Lookup(MustParseAddress("Power.Missing").Path); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(missing) error = %v; want %v", err, ErrNotFound)
	}
	if _, err := m.Lookup(Path{Submodel: "Power"}); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Lookup(submodel) error = %v; want %v", err, ErrTypeMismatch)
	}
}

func TestCompileRejects(t *testing.T) {
	selfLoop := &Collection{IDShort: "Loop"}
	selfLoop.Children = []Element{selfLoop}

	outer := &Collection{IDShort: "Outer"}
	inner := &Collection{IDShort: "Inner", Children: []Element{outer}}
	outer.Children = []Element{inner}

	tests := []struct {
		name    string
		mutate  func(*Twin)
		wantErr error
	}{
		{
			name:   "EmptyTwinID",
			mutate: func(tw *Twin) { tw.ID = "" },
		},
		{
			name: "DuplicateSibling",
			mutate: func(tw *Twin) {
				tw.Submodels[0].Elements = append(tw.Submodels[0].Elements, &Event{IDShort: "Voltage"})
			},
		},
		{
			name: "DuplicateNestedSibling",
			mutate: func(tw *Twin) {
				meter := tw.Submodels[0].Elements[1].(*Collection)
				meter.Children = append(meter.Children, &Property{IDShort: "Value", ValueType: TypeFloat, Value: Float(1)})
			},
		},
		{
			name: "DuplicateSubmodel",
			mutate: func(tw *Twin) {
				tw.Submodels = append(tw.Submodels, Submodel{ID: "Power"})
			},
		},
		{
			name: "EmptyShortName",
			mutate: func(tw *Twin) {
				tw.Submodels[0].Elements = append(tw.Submodels[0].Elements, &Event{})
			},
		},
		{
			name: "SeparatorInShortName",
			mutate: func(tw *Twin) {
				tw.Submodels[0].Elements = append(tw.Submodels[0].Elements, &Event{IDShort: "a.b"})
			},
		},
		{
			name: "InitialValueMismatch",
			mutate: func(tw *Twin) {
				tw.Submodels[0].Elements[0] = &Property{IDShort: "Voltage", ValueType: TypeFloat, Value: String("230")}
			},
			wantErr: ErrTypeMismatch,
		},
		{
			name: "DefaultMismatch",
			mutate: func(tw *Twin) {
				tw.Submodels[0].Elements[3] = &Operation{IDShort: "Calibrate", Inputs: []Variable{{Name: "offset", ValueType: TypeFloat, Default: Bool(true)}}}
			},
			wantErr: ErrTypeMismatch,
		},
		{
			name: "MalformedReference",
			mutate: func(tw *Twin) {
				tw.Submodels[0].Elements[2] = &ReferenceElement{IDShort: "Draw", Target: "Power..Value"}
			},
			wantErr: ErrMalformedAddress,
		},
		{
			name: "SelfContainingCollection",
			mutate: func(tw *Twin) {
				tw.Submodels[0].Elements = append(tw.Submodels[0].Elements, selfLoop)
			},
			wantErr: ErrCyclicStructure,
		},
		{
			name: "TransitivelyContainingCollection",
			mutate: func(tw *Twin) {
				tw.Submodels[0].Elements = append(tw.Submodels[0].Elements, outer)
			},
			wantErr: ErrCyclicStructure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tw := sampleTwin()
			tt.mutate(tw)
			_, err := Compile(tw)
			if !errors.Is(err, ErrInvalidSchema) {
				t.Fatalf("Compile() error = %v; want %v", err, ErrInvalidSchema)
			}
			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Errorf("Compile() error is %T; want *SchemaError", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Compile() error = %v; want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompileSharedCollection(t *testing.T) {
	// The same collection may appear under two parents as long as neither
	// contains itself.
	shared := &Collection{IDShort: "Shared", Children: []Element{
		&Property{IDShort: "X", ValueType: TypeInteger, Value: Integer(1)},
	}}
	tw := &Twin{ID: "urn:test:shared", Submodels: []Submodel{{ID: "S", Elements: []Element{
		&Collection{IDShort: "A", Children: []Element{shared}},
		&Collection{IDShort: "B", Children: []Element{shared}},
	}}}}
	m, err := Compile(tw)
	if err != nil {
		t.Fatal("Compile():", err)
	}
	for _, addr := range []string{"S.A.Shared.X", "S.B.Shared.X"} {
		if _, err := m.Lookup(MustParseAddress(addr).Path); err != nil {
			t.Errorf("Lookup(%s): %v", addr, err)
		}
	}
}
