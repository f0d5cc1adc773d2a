/*
Package dbtest spins up throwaway database containers for tests, on top of
testcontainers-go.

Tests that only need "a Neo4j" should use SetupNeo4j. Tests that depend on a
particular deployment (edition, plugins, configuration) should use the
testcontainers-go modules directly.

To look at the database after a failed test, keep the container running:

	go test ./topology -dbtest.inspect

Not for production use.
*/
package dbtest
