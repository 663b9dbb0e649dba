// Package preflight verifies run preconditions before workers are spawned.
//
// Checks cover directory permissions, free disk space for the result store,
// and resolvability of the configured worker command. Results are
// descriptive rather than fatal; the CLI decides whether a failed check
// blocks the run.
package preflight
