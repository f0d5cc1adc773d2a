// Package topology projects the structure of running twins into a Neo4j graph,
// so that operators can explore which twins exist, what they are made of and
// how their references tie them together.
//
// Every twin becomes a (:Twin) node that CONTAINS its (:Submodel) nodes, which
// in turn CONTAIN the (:Element) nodes of the schema. Reference elements point
// to their target with a REFERS_TO relationship. Targets that are not projected
// (yet) are represented by an (:Element) node holding only its address, which
// the projection of the target's twin later completes.
//
// Only the structure of a twin is projected, never the values of its
// properties.
package topology

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	twin "github.com/go-digitaltwin/go-twin"
	"github.com/go-digitaltwin/go-twin/schema"
)

// DefaultTimeout bounds a projection triggered by the runtime.
const DefaultTimeout = 10 * time.Second

// A Projector maintains the topology graph in a Neo4j database.
//
// As a twin.Observer, it projects twins as they are instantiated and removes
// them once they terminate. Observers are called synchronously, so a slow
// database delays Instantiate; failures are logged and do not affect the twin.
type Projector struct {
	driver   neo4j.DriverWithContext
	database string
	// Timeout bounds projections run as an observer.
	Timeout time.Duration
}

var _ twin.Observer = (*Projector)(nil)

// NewProjector returns a Projector writing to the given database. An empty
// database name selects the server's default database.
func NewProjector(driver neo4j.DriverWithContext, database string) *Projector {
	return &Projector{driver: driver, database: database, Timeout: DefaultTimeout}
}

func (p *Projector) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return p.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: p.database, AccessMode: mode})
}

// Project writes the structure of m into the graph, replacing whatever an
// earlier projection of the same twin left. It runs in a single transaction.
func (p *Projector) Project(ctx context.Context, m *schema.Model) (err error) {
	ctx, span := tracer.Start(ctx, "topology.Project", trace.WithAttributes(
		attribute.String("twin.id", m.ID()),
		attribute.String("neo4j.database", p.database),
	))
	defer span.End()
	defer func(start time.Time) {
		measureProjection(ctx, "project", err == nil, time.Since(start))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}(time.Now())

	g := layout(m)
	s := p.session(ctx, neo4j.AccessModeWrite)
	defer func() { _ = s.Close(ctx) }()

	_, err = s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, writeGraph(ctx, tx, g)
	})
	if err != nil {
		return fmt.Errorf("project %s: %w", m.ID(), err)
	}
	return nil
}

func writeGraph(ctx context.Context, tx neo4j.ManagedTransaction, g graph) error {
	statements := []struct {
		name   string
		query  string
		params map[string]any
	}{
		{
			name: "twin",
			query: `
				MERGE (t:Twin {address: $twin.address})
				ON CREATE SET t._created_at = datetime()
				SET t += $twin, t._last_modified = datetime()
			`,
			params: map[string]any{"twin": g.Twin},
		},
		{
			// Elements removed from the schema since the last projection, and the
			// references of those that remain, are rebuilt below.
			name: "prune",
			query: `
				MATCH (:Twin {address: $twin})-[:CONTAINS*]->(n)
				WHERE NOT n.address IN $addresses
				DETACH DELETE n
			`,
			params: map[string]any{"twin": g.Twin["address"], "addresses": g.addresses()},
		},
		{
			name: "unlink",
			query: `
				MATCH (:Twin {address: $twin})-[:CONTAINS*]->(:Element)-[r:REFERS_TO]->()
				DELETE r
			`,
			params: map[string]any{"twin": g.Twin["address"]},
		},
		{
			name: "submodels",
			query: `
				UNWIND $rows AS row
				MERGE (n:Submodel {address: row.address})
				SET n += row, n._last_modified = datetime()
			`,
			params: map[string]any{"rows": g.Submodels},
		},
		{
			name: "elements",
			query: `
				UNWIND $rows AS row
				MERGE (n:Element {address: row.address})
				SET n += row, n._last_modified = datetime()
			`,
			params: map[string]any{"rows": g.Elements},
		},
		{
			name: "contains",
			query: `
				UNWIND $rows AS row
				MATCH (parent {address: row.from}), (child {address: row.to})
				WHERE (parent:Twin OR parent:Submodel OR parent:Element) AND (child:Submodel OR child:Element)
				MERGE (parent)-[:CONTAINS]->(child)
			`,
			params: map[string]any{"rows": rows(g.Contains)},
		},
		{
			name: "references",
			query: `
				UNWIND $rows AS row
				MATCH (n:Element {address: row.from})
				MERGE (target:Element {address: row.to})
				MERGE (n)-[:REFERS_TO]->(target)
			`,
			params: map[string]any{"rows": rows(g.RefersTo)},
		},
	}
	for _, st := range statements {
		result, err := tx.Run(ctx, st.query, st.params)
		if err != nil {
			return fmt.Errorf("%s: run cypher: %w", st.name, err)
		}
		if _, err := result.Consume(ctx); err != nil {
			return fmt.Errorf("%s: consume: %w", st.name, err)
		}
	}
	return nil
}

// Remove deletes the twin with the given identifier and everything it
// contains. References of other twins to its elements are kept, dangling at
// address-only nodes.
func (p *Projector) Remove(ctx context.Context, id string) (err error) {
	ctx, span := tracer.Start(ctx, "topology.Remove", trace.WithAttributes(
		attribute.String("twin.id", id),
		attribute.String("neo4j.database", p.database),
	))
	defer span.End()
	defer func(start time.Time) {
		measureProjection(ctx, "remove", err == nil, time.Since(start))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}(time.Now())

	s := p.session(ctx, neo4j.AccessModeWrite)
	defer func() { _ = s.Close(ctx) }()
	_, err = s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, query := range removeQueries {
			result, err := tx.Run(ctx, query, map[string]any{"id": id})
			if err != nil {
				return nil, fmt.Errorf("run cypher: %w", err)
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, fmt.Errorf("consume: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

var removeQueries = []string{
	// Elements referenced from other twins are reduced to address-only nodes.
	`
		MATCH (t:Twin {address: $id})-[:CONTAINS*]->(n:Element)
		WHERE EXISTS {
			MATCH (src:Element)-[:REFERS_TO]->(n)
			WHERE NOT (t)-[:CONTAINS*]->(src)
		}
		REMOVE n.path, n.idShort, n.kind, n.valueType, n.inputs, n.outputs, n.target
		WITH n
		OPTIONAL MATCH (n)-[r:REFERS_TO]->()
		DELETE r
	`,
	`
		MATCH (t:Twin {address: $id})
		OPTIONAL MATCH (t)-[:CONTAINS*]->(n)
		WHERE n:Submodel OR n.kind IS NOT NULL
		DETACH DELETE n
		WITH DISTINCT t
		DETACH DELETE t
	`,
}

// TwinInstantiated implements twin.Observer.
func (p *Projector) TwinInstantiated(ctx context.Context, h *twin.Handle) {
	ctx, cancel := p.observerContext(ctx)
	defer cancel()
	if err := p.Project(ctx, h.Schema()); err != nil {
		component.Logger(ctx).Error("Couldn't project twin topology",
			slog.String("twin.id", h.ID()),
			slog.Any("error", err),
		)
	}
}

// TwinTerminated implements twin.Observer.
func (p *Projector) TwinTerminated(ctx context.Context, id string) {
	ctx, cancel := p.observerContext(ctx)
	defer cancel()
	if err := p.Remove(ctx, id); err != nil {
		component.Logger(ctx).Error("Couldn't remove twin topology",
			slog.String("twin.id", id),
			slog.Any("error", err),
		)
	}
}

func (p *Projector) observerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if p.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.Timeout)
}
