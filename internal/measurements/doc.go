// Package measurements persists per-run measurement data and image-set
// status in SQLite.
//
// The Store manages database connections, schema initialization, status
// transitions, group-metadata queries, and the incremental merge of partial
// results returned by workers. Partial results travel as an immutable Buffer,
// a serialized snapshot of object/feature/image-set values, so the
// coordinator never depends on how a worker produced them.
//
// Once a feature value for an image set has been merged it is only ever
// replaced by a reprocessing of that exact image set. Treat this package as
// the single source of truth for measurement and status semantics; schema
// changes bump the version in schema.go.
package measurements
