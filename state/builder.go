package state

import "github.com/go-digitaltwin/go-twin/schema"

// A builder walks the schema of a twin and allocates a slot for every Property
// it visits. Collections and reference elements hold no value of their own, so
// they only contribute the paths of their descendants.
type builder struct {
	slots map[string]*slot
}

func (b *builder) Visit(n *schema.Node) schema.Visitor {
	if n == nil {
		return nil
	}
	if b.slots == nil {
		b.slots = make(map[string]*slot)
	}
	if p, ok := n.Element.(*schema.Property); ok {
		b.slots[n.Path.String()] = &slot{typ: p.ValueType, value: p.Value}
	}
	return b
}
