// Package pipeline models the immutable definition a run executes.
//
// A Pipeline is an ordered list of named stages with settings. The coordinator
// copies it at run start, serializes it for workers, and never interprets
// stage semantics; execution belongs to whatever implements the worker-side
// executor. Dictionaries carry the per-stage shared caches populated by the
// first completed unit of work.
package pipeline
