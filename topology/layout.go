package topology

import (
	"github.com/go-digitaltwin/go-twin/schema"
)

// A graph is the projection of a single twin's structure: its nodes keyed by
// address and its edges as pairs of addresses.
type graph struct {
	Twin      map[string]any
	Submodels []map[string]any
	Elements  []map[string]any
	Contains  []edge
	RefersTo  []edge
}

type edge struct {
	From, To string
}

func (e edge) row() map[string]any {
	return map[string]any{"from": e.From, "to": e.To}
}

func rows(edges []edge) []map[string]any {
	r := make([]map[string]any, len(edges))
	for i, e := range edges {
		r[i] = e.row()
	}
	return r
}

// addresses lists the addresses of every submodel and element, used to prune
// what a previous projection left behind.
func (g graph) addresses() []string {
	var a []string
	for _, s := range g.Submodels {
		a = append(a, s["address"].(string))
	}
	for _, e := range g.Elements {
		a = append(a, e["address"].(string))
	}
	return a
}

// layout computes the graph of m. Reference targets are qualified by the owning
// twin so that targets of other twins and of this one share the same node.
func layout(m *schema.Model) graph {
	t := m.Twin()
	g := graph{Twin: map[string]any{
		"address":     t.ID,
		"idShort":     t.IDShort,
		"description": t.Description,
	}}
	schema.Inspect(m, func(n *schema.Node) bool {
		if n == nil {
			return false
		}
		addr := schema.Address{Twin: t.ID, Path: n.Path}.String()
		if n.Element == nil {
			g.Submodels = append(g.Submodels, map[string]any{
				"address": addr,
				"id":      n.Path.Submodel,
			})
			g.Contains = append(g.Contains, edge{From: t.ID, To: addr})
			return true
		}

		props := map[string]any{
			"address": addr,
			"path":    n.Path.String(),
			"idShort": n.Element.ShortName(),
			"kind":    n.Kind().String(),
		}
		switch e := n.Element.(type) {
		case *schema.Property:
			props["valueType"] = e.ValueType.String()
		case *schema.Operation:
			if len(e.Inputs) > 0 {
				props["inputs"] = variableNames(e.Inputs)
			}
			if len(e.Outputs) > 0 {
				props["outputs"] = variableNames(e.Outputs)
			}
		case *schema.ReferenceElement:
			target := e.Target
			if a, err := schema.ParseAddress(e.Target); err == nil {
				target = a.Qualify(t.ID).String()
			}
			props["target"] = target
			g.RefersTo = append(g.RefersTo, edge{From: addr, To: target})
		}
		g.Elements = append(g.Elements, props)
		parent := schema.Address{Twin: t.ID, Path: n.Path.Parent()}.String()
		g.Contains = append(g.Contains, edge{From: parent, To: addr})
		return true
	})
	return g
}

func variableNames(vars []schema.Variable) []string {
	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.Name
	}
	return names
}
