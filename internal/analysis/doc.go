// Package analysis coordinates one measurement run across a pool of worker
// processes.
//
// The Analysis façade owns at most one active runner and serializes
// start/pause/resume/cancel behind a single mutex. A runner drives two
// goroutines: the interface loop, which plans units of work, merges returned
// measurements into the store, tracks per-image-set status, and decides
// termination; and the jobserver loop, which owns the boundary socket and
// answers or forwards every worker request. The two communicate through
// internal queues and condition variables.
//
// The first unit of work is dispatched alone; only after its completion
// reveals the shared per-stage dictionaries are the remaining units released,
// so state computed from the first unit is visible to every later one.
// Waiters must re-check their predicate after every condition-variable wake;
// spurious wakeups are expected.
//
// A worker process that dies mid-job is not detected: its unit never
// completes and the run stalls if no other worker holds work. Recovering
// would need a redispatch policy, and redispatching a unit changes the
// result store's merge semantics, so the stall is left observable instead.
package analysis
