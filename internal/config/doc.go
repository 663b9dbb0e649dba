// Package config loads, normalizes, and validates coordinator configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// ASSAY_WORKER_COMMAND. The Config type centralizes every knob the CLI and
// the run coordinator need: data/log/runtime directories, worker pool sizing,
// and log routing.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
