package analysis

import "errors"

var (
	// ErrAlreadyRunning is returned by Start while a run is active.
	ErrAlreadyRunning = errors.New("analysis already in progress")

	// ErrNoActiveRun is returned by Pause and Resume without an active run.
	ErrNoActiveRun = errors.New("no analysis in progress")
)
