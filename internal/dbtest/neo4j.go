package dbtest

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jtest "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

// Neo4jImage is the image of the Neo4j container. Projecting twin topologies
// needs nothing beyond the community edition, which also means a single
// database per server.
//
// See <https://hub.docker.com/_/neo4j> for more images.
const Neo4jImage = "docker.io/neo4j:5"

// DefaultDatabase is the only database of a community server.
const DefaultDatabase = "neo4j"

// Port of the HTTP endpoint serving the browser:
// <https://neo4j.com/docs/browser-manual/current>
const neo4jHTTP = nat.Port("7474/tcp")

// The container may report ready before its bolt listener accepts connections.
// SetupNeo4j polls the listener for at most boltStartup.
const (
	boltStartup = 5 * time.Second
	boltPoll    = 250 * time.Millisecond
)

// A Graph is a Neo4j server dedicated to a single test.
type Graph struct {
	// Driver is connected to the server and closed once the test completes.
	Driver neo4j.DriverWithContext
	// Database names the database the test should open its sessions on.
	Database string
	// BoltURL is where the server listens for bolt connections.
	BoltURL string

	httpURL string
}

// Browser returns the URL of the Neo4j browser connected to the graph, for
// humans inspecting what a test left behind.
func (g Graph) Browser() string {
	return fmt.Sprintf("%s/browser?preselectAuthMethod=%s&dbms=%s",
		g.httpURL, url.QueryEscape("[NO_AUTH]"), url.QueryEscape(g.BoltURL))
}

// A Prepare function readies the database of a fresh Graph before the test
// uses it, e.g. topology.Bootstrap creates the constraints the projection
// relies on.
type Prepare func(ctx context.Context, d neo4j.DriverWithContext, database string) error

// SetupNeo4j starts a Neo4j container for t, applies every prepare function to
// its database in order, and returns the Graph. Everything is released when t
// completes, unless the test failed under -dbtest.inspect.
//
// Being slow, container-based tests are skipped under -short and run in
// parallel with each other. Every test gets a server of its own, so tests never
// observe each other's nodes.
//
// What SetupNeo4j considers a standard Neo4j may change over time. Tests that
// depend on a deployment detail (edition, plugins, configuration) should run
// their own container with the testcontainers-go modules.
func SetupNeo4j(t *testing.T, prepare ...Prepare) Graph {
	t.Helper()
	if testing.Short() {
		t.Skip("Neo4j container skipped in short mode")
	}
	t.Parallel()

	ctx := context.Background()
	container, err := neo4jtest.Run(ctx, Neo4jImage, containerOptions(t, neo4jtest.WithoutAuthentication())...)
	if err != nil {
		t.Fatal("Start neo4j container:", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Terminate neo4j container %s: %v", container.GetContainerID(), err)
		}
	})

	g := Graph{Database: DefaultDatabase}
	if g.BoltURL, err = container.BoltUrl(ctx); err != nil {
		t.Fatal("Resolve bolt endpoint:", err)
	}
	if g.httpURL, err = container.PortEndpoint(ctx, neo4jHTTP, "http"); err != nil {
		t.Fatal("Resolve http endpoint:", err)
	}

	g.Driver, err = neo4j.NewDriverWithContext(g.BoltURL, neo4j.NoAuth())
	if err != nil {
		t.Fatal("Open neo4j driver:", err)
	}
	t.Cleanup(func() {
		if err := g.Driver.Close(ctx); err != nil {
			t.Error("Close neo4j driver:", err)
		}
	})
	if err := awaitBolt(ctx, g.Driver); err != nil {
		t.Fatal("Connect to neo4j:", err)
	}

	for i, p := range prepare {
		if err := p(ctx, g.Driver, g.Database); err != nil {
			t.Fatalf("Prepare database %s (step %d): %v", g.Database, i+1, err)
		}
	}

	// Registered last, so that it runs before the driver and the container are
	// released.
	t.Cleanup(func() {
		if t.Failed() && *Inspect {
			t.Logf("Neo4j container %s kept for inspection (Ctrl+C to release)", container.GetContainerID())
			t.Logf("Browser: %s", g.Browser())
			t.Logf("Bolt: %s", g.BoltURL)
			waitForInspection()
		}
	})
	return g
}

// awaitBolt polls the server until it accepts a bolt connection, or gives up
// after boltStartup with the last connection error.
func awaitBolt(ctx context.Context, d neo4j.DriverWithContext) error {
	ctx, cancel := context.WithTimeout(ctx, boltStartup)
	defer cancel()
	tick := time.NewTicker(boltPoll)
	defer tick.Stop()
	for {
		err := d.VerifyConnectivity(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return fmt.Errorf("bolt not accepting connections after %s: %w", boltStartup, err)
		}
	}
}
