// Package logging assembles the structured slog loggers used across the
// coordinator.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes attr helpers so run, router, and worker code emit lines with a
// consistent shape. A no-op logger is provided for tests and wiring code that
// cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so every component
// logs with the same format and routing.
package logging
