package topology

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Labels of the projected nodes.
var labels = []string{"Twin", "Submodel", "Element"}

// Bootstrap prepares a database for projection: nodes of every label are
// unique, and indexed, by their address. An empty name selects the server's
// default database.
//
// This function is idempotent.
func Bootstrap(ctx context.Context, d neo4j.DriverWithContext, database string) error {
	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: database})
	defer func() { _ = s.Close(ctx) }()

	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, l := range labels {
			_, err := tx.Run(ctx, `
				CREATE CONSTRAINT `+strings.ToLower(l)+`_address IF NOT EXISTS
				FOR (n:`+l+`)
				REQUIRE n.address IS UNIQUE
			`, nil)
			if err != nil {
				return nil, fmt.Errorf("unique constraint: label %v: %w", l, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("create constraints: %w", err)
	}
	return s.Close(ctx)
}

// CreateDatabase creates the named database if it does not exist. Creating
// databases requires the enterprise edition of Neo4j.
func CreateDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("create database: empty name")
	case name == "neo4j":
		return fmt.Errorf("create database %q: reserved for the default database", name)
	case strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_"):
		return fmt.Errorf("create database %q: names beginning with an underscore or \"system\" are reserved", name)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()
	result, err := s.Run(ctx, `CREATE DATABASE $name IF NOT EXISTS WAIT`, map[string]any{"name": name})
	if err != nil {
		return fmt.Errorf("create database %q: %w", name, err)
	}
	_, err = result.Consume(ctx)
	return err
}
