package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const sampleConfig = `# Assay configuration.
# Values commented out show their defaults.

[paths]
# data_dir = "~/.local/share/assay/data"
# log_dir = "~/.local/share/assay/logs"
# runtime_dir = "~/.local/share/assay/run"

[workers]
# Number of worker processes. Zero means one per CPU.
# count = 0
# Executable spawned per worker. Empty means this binary's "worker" subcommand.
# command = ""
# How long an idle worker sleeps between work requests, in milliseconds.
# poll_interval_ms = 250
# How many undigested measurement payloads the coordinator holds before
# reporters block.
# received_queue_capacity = 10

[logging]
# format = "console"  # or "json"
# level = "info"
`

// CreateSample writes a commented sample configuration file to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
