// Package twin provides a runtime for digital twins; A digital twin is a
// virtual representation of a real-world asset, described by a schema of
// submodels (properties, collections, references, operations and events) and
// kept up to date by the messages it receives.
//
// Every twin is an actor: it owns its live state and processes its mailbox one
// message at a time, so reads, writes and operation invocations on a single
// twin are linearizable without locks. Twins refer to each other's properties
// through addresses such as "urn:charger:1#PowerAndElectrical.InputCurrent";
// resolving such an address sends a bounded lookup to the owning twin.
//
// Events emitted by twins are published on a shared eventbus.Bus. The ingress,
// egress and topology packages connect a Runtime to message brokers and to a
// graph database.
package twin
