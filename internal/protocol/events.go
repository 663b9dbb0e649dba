package protocol

import (
	"assay/internal/measurements"
)

// Event is a lifecycle or progress notification delivered to the run's event
// sink. The concrete types below are the complete vocabulary.
type Event interface {
	event()
}

// Sink receives run events. Implementations must not block for long; the
// coordinator calls them from its control threads.
type Sink func(Event)

// Started reports that a run began processing.
type Started struct {
	RunID string
}

// Progress reports per-status image-set counts after each coordinator wake.
type Progress struct {
	RunID  string
	Counts map[measurements.Status]int
}

// Paused reports that request servicing was suspended. Emitted once per
// pause episode.
type Paused struct {
	RunID string
}

// Resumed reports that a paused run continued. Emitted once per pause episode.
type Resumed struct {
	RunID string
}

// Finished reports run termination. Exactly one Finished is delivered per
// run, whatever the outcome. StorePath is empty when the run was cancelled
// or failed before producing a usable store.
type Finished struct {
	RunID     string
	StorePath string
	Cancelled bool
	Err       error
}

// WorkerMessage wraps a forwarded interactive, display, exception, or debug
// request. The sink owns the reply: call Respond exactly once. A sink that
// never responds leaves the worker blocked until the run's boundary closes.
type WorkerMessage struct {
	Envelope Envelope
	Respond  func(SinkReply)
}

func (Started) event()       {}
func (Progress) event()      {}
func (Paused) event()        {}
func (Resumed) event()       {}
func (Finished) event()      {}
func (WorkerMessage) event() {}
