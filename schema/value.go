package schema

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ValueType is the declared type tag of a Property or an operation Variable.
type ValueType uint8

const (
	TypeInvalid ValueType = iota
	TypeFloat
	TypeString
	TypeBool
	TypeInteger
	// TypeRecord tags collection snapshots. It is never a valid declared type;
	// records only appear as the result of reading a Collection.
	TypeRecord
)

func (t ValueType) String() string {
	switch t {
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	case TypeInteger:
		return "integer"
	case TypeRecord:
		return "record"
	default:
		return "invalid"
	}
}

// Declarable reports whether t may be declared by a Property or a Variable.
func (t ValueType) Declarable() bool {
	return t >= TypeFloat && t <= TypeInteger
}

// ParseValueType converts the textual type tag of the declarative format into a
// ValueType. The short forms "int" and "boolean" are accepted as aliases.
func ParseValueType(s string) (ValueType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float", "double":
		return TypeFloat, nil
	case "string", "str":
		return TypeString, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "integer", "int":
		return TypeInteger, nil
	}
	return TypeInvalid, fmt.Errorf("unknown value type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t ValueType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ValueType) UnmarshalText(p []byte) error {
	v, err := ParseValueType(string(p))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Value is the runtime value of a Property, of an operation Variable, or of an
// event payload.
//
// Type-assert values in order to access the actual Go value:
//
//	if f, ok := v.(schema.Float); ok { ... }
//
// The set of implementations is closed; values are Float, String, Bool, Integer
// and (read-only) Record.
type Value interface {
	// Type returns the tag the value type-checks against.
	Type() ValueType
	// value is unexported to keep the set of implementations closed.
	value()
}

type (
	Float   float64
	String  string
	Bool    bool
	Integer int64
	// Record is a snapshot of a Collection: the current values of its children
	// keyed by their short names. Nested collections appear as nested records.
	Record map[string]Value
)

func (Float) Type() ValueType   { return TypeFloat }
func (String) Type() ValueType  { return TypeString }
func (Bool) Type() ValueType    { return TypeBool }
func (Integer) Type() ValueType { return TypeInteger }
func (Record) Type() ValueType  { return TypeRecord }

func (Float) value()   {}
func (String) value()  {}
func (Bool) value()    {}
func (Integer) value() {}
func (Record) value()  {}

func (v Float) String() string   { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v Integer) String() string { return strconv.FormatInt(int64(v), 10) }
func (v Bool) String() string    { return strconv.FormatBool(bool(v)) }

func (r Record) String() string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", k, r[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Values travel inside gob-encoded event payloads (see the egress package).
func init() {
	gob.Register(Float(0))
	gob.Register(String(""))
	gob.Register(Bool(false))
	gob.Register(Integer(0))
	gob.Register(Record{})
}

// Check reports whether v type-checks against t. A nil Value never does.
func Check(t ValueType, v Value) bool {
	return v != nil && v.Type() == t
}

// Zero returns the zero Value of a declarable type, or nil.
func Zero(t ValueType) Value {
	switch t {
	case TypeFloat:
		return Float(0)
	case TypeString:
		return String("")
	case TypeBool:
		return Bool(false)
	case TypeInteger:
		return Integer(0)
	}
	return nil
}

// Coerce converts a loosely typed Go value, as produced by encoding/json, into a
// Value of type t.
//
// Numbers are accepted for both float and integer types, as long as an integer
// target receives an integral number. json.Number and numeric strings are
// parsed. Values that are already of type t pass through.
func Coerce(t ValueType, raw any) (Value, error) {
	if v, ok := raw.(Value); ok {
		if v.Type() == t {
			return v, nil
		}
		raw = native(v)
	}
	switch t {
	case TypeFloat:
		f, err := toFloat(raw)
		if err != nil {
			return nil, err
		}
		return Float(f), nil
	case TypeInteger:
		i, err := toInteger(raw)
		if err != nil {
			return nil, err
		}
		return Integer(i), nil
	case TypeBool:
		switch x := raw.(type) {
		case bool:
			return Bool(x), nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil, fmt.Errorf("%q is not a bool", x)
			}
			return Bool(b), nil
		}
	case TypeString:
		if s, ok := raw.(string); ok {
			return String(s), nil
		}
	default:
		return nil, fmt.Errorf("cannot coerce into %s", t)
	}
	return nil, fmt.Errorf("cannot coerce %T into %s", raw, t)
}

func native(v Value) any {
	switch x := v.(type) {
	case Float:
		return float64(x)
	case Integer:
		return int64(x)
	case Bool:
		return bool(x)
	case String:
		return string(x)
	}
	return v
}

// toInteger converts integers exactly. Integral floats are accepted within the
// range of int64.
func toInteger(raw any) (int64, error) {
	switch x := raw.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return i, nil
		}
	}
	f, err := toFloat(raw)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not an integer", raw)
	}
	if f < -(1<<63) || f >= 1<<63 {
		return 0, fmt.Errorf("%v overflows a 64-bit integer", raw)
	}
	return int64(f), nil
}

func toFloat(raw any) (float64, error) {
	switch x := raw.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%T is not a number", raw)
}
