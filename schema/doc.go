// Package schema models the declared structure of a digital twin: a twin holds
// submodels, submodels hold elements, and elements are properties, collections,
// reference elements, operations or events.
//
// A Twin is plain data, typically produced by an external parser of the
// declarative format. Compile validates it once and returns a Model: the
// immutable, indexed tree that the rest of the runtime resolves addresses
// against.
//
// Elements are located by a Path ("<submodel-id>.<short-name>..."), which an
// Address may qualify with the global identifier of another twin
// ("<twin-id>#<submodel-id>.<short-name>...").
package schema
