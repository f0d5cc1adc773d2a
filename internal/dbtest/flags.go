package dbtest

import (
	"flag"
	"os"
	"os/signal"
)

// Inspect keeps the container of a failed test running until Ctrl+C, so that
// the graph it left can be explored. testcontainers still reaps the container
// eventually.
var Inspect = flag.Bool("dbtest.inspect", false, "keep the container of a failed test running for inspection")

// waitForInspection blocks until SIGINT.
func waitForInspection() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer signal.Stop(c)
	<-c
}
