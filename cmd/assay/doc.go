// Command assay runs image-analysis pipelines across a pool of worker
// processes and merges their measurements into a durable result store. The
// same binary serves as both the coordinator (the run subcommand) and the
// worker entry point (the hidden worker subcommand the coordinator spawns).
package main
