// Package worker implements the process that executes units of work.
//
// A worker dials the announce address it was spawned with, fetches the
// pipeline snapshot and initial measurements once, then polls for work until
// the server goes away. Each unit is executed image set by image set through
// an Executor; completion and measurements flow back through the boundary
// client, and executor failures are forwarded upstream as exception reports
// rather than interpreted locally.
//
// The worker holds no retry logic and no local state across units; killing
// it at any point loses at most the unit it was running.
package worker
