package testsupport

import (
	"path/filepath"
	"testing"

	"assay/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.RuntimeDir = filepath.Join(base, "run")

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return &cfg
}

// WithReceivedQueueCapacity overrides the merge-queue bound on the test config.
func WithReceivedQueueCapacity(capacity int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workers.ReceivedQueueCapacity = capacity
	}
}

// WithWorkerCount overrides the worker process count on the test config.
func WithWorkerCount(count int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workers.Count = count
	}
}

// WithWorkerCommand overrides the worker executable on the test config.
func WithWorkerCommand(command string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workers.Command = command
	}
}
