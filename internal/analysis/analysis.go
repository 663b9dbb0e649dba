package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"assay/internal/config"
	"assay/internal/logging"
	"assay/internal/measurements"
	"assay/internal/pipeline"
	"assay/internal/protocol"
	"assay/internal/workerpool"
)

// Analysis applies one pipeline to a set of image sets, producing a
// measurements store at OutputPath. It owns at most one active run; every
// lifecycle call is serialized by one mutex.
type Analysis struct {
	cfg         *config.Config
	pipeline    pipeline.Pipeline
	preferences pipeline.Preferences
	outputPath  string
	initialBuf  measurements.Buffer
	pool        *workerpool.Pool
	logger      *slog.Logger

	// Overwrite forces every image set to be recomputed even when the
	// initial measurements already mark it Done.
	Overwrite bool

	// PostGroup and PostRun are coordinator-side pipeline hooks. PostGroup
	// runs once after all units complete when workers did not run it per
	// group; PostRun always runs at normal completion.
	PostGroup HookFunc
	PostRun   HookFunc

	mu     sync.Mutex
	runner *runner
	runID  string
}

// New constructs an Analysis. The pipeline is copied so later edits by the
// caller cannot leak into a run. The pool is owned by the caller and reused
// across runs; the analysis empties it at every run boundary.
func New(cfg *config.Config, pipe pipeline.Pipeline, prefs pipeline.Preferences, outputPath string, initialBuf measurements.Buffer, pool *workerpool.Pool, logger *slog.Logger) *Analysis {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Analysis{
		cfg:         cfg,
		pipeline:    pipe.Copy(),
		preferences: prefs,
		outputPath:  outputPath,
		initialBuf:  initialBuf,
		pool:        pool,
		logger:      logger,
		Overwrite:   true,
	}
}

// Start begins a run and returns its opaque identifier. A workerCount of
// zero falls back to the configured worker count. It fails with
// ErrAlreadyRunning while a previous run is still alive.
func (a *Analysis) Start(sink protocol.Sink, workerCount int) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.runner != nil && a.runner.check() {
		return "", ErrAlreadyRunning
	}

	if workerCount == 0 {
		workerCount = a.cfg.Workers.Count
	}

	runID := uuid.NewString()

	lock := flock.New(a.outputPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return "", fmt.Errorf("acquire store lock: %w", err)
	}
	if !locked {
		return "", fmt.Errorf("result store %s is locked by another coordinator", a.outputPath)
	}

	r := newRunner(runnerConfig{
		runID:            runID,
		pipeline:         a.pipeline.Copy(),
		preferences:      a.preferences,
		initialBuf:       a.initialBuf,
		outputPath:       a.outputPath,
		runtimeDir:       a.cfg.Paths.RuntimeDir,
		overwrite:        a.Overwrite,
		receivedCapacity: a.cfg.Workers.ReceivedQueueCapacity,
		postGroup:        a.PostGroup,
		postRun:          a.PostRun,
		sink:             sink,
		pool:             a.pool,
		poolOpts: workerpool.Options{
			Count:   workerCount,
			Command: a.cfg.Workers.Command,
		},
		lock:   lock,
		logger: a.logger,
	})

	if err := r.start(); err != nil {
		return "", err
	}

	a.runner = r
	a.runID = runID
	return runID, nil
}

// Pause suspends an active run.
func (a *Analysis) Pause() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runner == nil {
		return ErrNoActiveRun
	}
	a.runner.pause()
	return nil
}

// Resume continues a paused run.
func (a *Analysis) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runner == nil {
		return ErrNoActiveRun
	}
	a.runner.resume()
	return nil
}

// Cancel stops the active run, if any, and returns only after both
// coordinator goroutines have exited and every worker has been told to go
// away. Calling Cancel with no active run is a no-op.
func (a *Analysis) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runner == nil {
		return
	}
	a.runner.cancel()
	a.runner = nil
	a.runID = ""
}

// CheckRunning reports whether a run is active with both coordinator
// goroutines alive, letting a caller detect silent failure without crashing.
func (a *Analysis) CheckRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runner == nil {
		return false
	}
	return a.runner.check()
}

// RunID returns the identifier of the active run, if any.
func (a *Analysis) RunID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runID
}

// DefaultPostRun records the completion time as an experiment-scope value.
func DefaultPostRun(store *measurements.Store) error {
	return store.WriteExperiment(context.Background(), "Run_Finished", time.Now().UTC().Format(time.RFC3339))
}
