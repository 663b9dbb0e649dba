// Package workerpool manages the worker processes that execute units of work.
//
// A Pool spawns a fixed number of OS processes, hands each the run's announce
// address, and keeps a control pipe to every child: the worker holds the read
// end of its stdin open and exits when the pipe closes, so Stop is a close
// plus a wait rather than a signal dance. Each child's combined output is
// drained by a dedicated goroutine and re-logged, so a slow parent can never
// block a worker on a full pipe.
//
// Pools must be stopped before a new run starts; the announce address changes
// per run and a stale worker must not join the wrong one.
package workerpool
