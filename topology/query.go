package topology

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// A Node is a projected submodel or element.
type Node struct {
	Address string
	// Kind is "submodel", or the kind of the element.
	Kind string
}

// Contents lists the submodels and elements contained by the twin with the
// given identifier, in no particular order.
func (p *Projector) Contents(ctx context.Context, id string) ([]Node, error) {
	records, err := p.read(ctx, `
		MATCH (:Twin {address: $id})-[:CONTAINS*]->(n)
		RETURN DISTINCT n.address AS address, coalesce(n.kind, 'submodel') AS kind
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("contents of %s: %w", id, err)
	}
	nodes := make([]Node, len(records))
	for i, r := range records {
		if nodes[i].Address, err = getRecordProperty[string](r, "address"); err != nil {
			return nil, err
		}
		if nodes[i].Kind, err = getRecordProperty[string](r, "kind"); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// References maps the address of every reference element of the twin with the
// given identifier to the address it refers to.
func (p *Projector) References(ctx context.Context, id string) (map[string]string, error) {
	records, err := p.read(ctx, `
		MATCH (:Twin {address: $id})-[:CONTAINS*]->(n:Element)-[:REFERS_TO]->(target)
		RETURN DISTINCT n.address AS from, target.address AS to
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("references of %s: %w", id, err)
	}
	refs := make(map[string]string, len(records))
	for _, r := range records {
		from, err := getRecordProperty[string](r, "from")
		if err != nil {
			return nil, err
		}
		to, err := getRecordProperty[string](r, "to")
		if err != nil {
			return nil, err
		}
		refs[from] = to
	}
	return refs, nil
}

// Twins lists the identifiers of the projected twins.
func (p *Projector) Twins(ctx context.Context) ([]string, error) {
	records, err := p.read(ctx, `MATCH (t:Twin) RETURN t.address AS id ORDER BY id`, nil)
	if err != nil {
		return nil, fmt.Errorf("twins: %w", err)
	}
	ids := make([]string, len(records))
	for i, r := range records {
		if ids[i], err = getRecordProperty[string](r, "id"); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (p *Projector) read(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	s := p.session(ctx, neo4j.AccessModeRead)
	defer func() { _ = s.Close(ctx) }()
	v, err := s.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, fmt.Errorf("run cypher: %w", err)
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*neo4j.Record), nil
}

var errPropertyNotFound = errors.New("property not found")

type unexpectedPropertyTypeError struct {
	Type reflect.Type
}

func (e unexpectedPropertyTypeError) Error() string {
	return fmt.Sprintf("unexpected property type %v", e.Type)
}

type recordProperty interface {
	string | int64 | []any
}

func getRecordProperty[T recordProperty](record *neo4j.Record, key string) (value T, err error) {
	prop, exists := record.Get(key)
	if !exists {
		return value, fmt.Errorf("%w: %s", errPropertyNotFound, key)
	}
	v, ok := prop.(T)
	if !ok {
		return value, unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}
	}
	return v, nil
}
