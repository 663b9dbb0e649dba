package testsupport

import (
	"sync"
	"testing"
	"time"

	"assay/internal/protocol"
)

// EventRecorder collects run events so tests can assert on ordering and wait
// for completion.
type EventRecorder struct {
	mu       sync.Mutex
	events   []protocol.Event
	finished chan protocol.Finished
}

// NewEventRecorder returns an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{finished: make(chan protocol.Finished, 1)}
}

// Sink returns the protocol.Sink that feeds this recorder.
func (r *EventRecorder) Sink() protocol.Sink {
	return func(event protocol.Event) {
		r.mu.Lock()
		r.events = append(r.events, event)
		r.mu.Unlock()
		if finished, ok := event.(protocol.Finished); ok {
			select {
			case r.finished <- finished:
			default:
			}
		}
	}
}

// Events returns a copy of everything recorded so far.
func (r *EventRecorder) Events() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

// WaitFinished blocks until a Finished event arrives or the timeout elapses.
func (r *EventRecorder) WaitFinished(t testing.TB, timeout time.Duration) protocol.Finished {
	t.Helper()

	select {
	case finished := <-r.finished:
		return finished
	case <-time.After(timeout):
		t.Fatalf("no Finished event within %s", timeout)
		return protocol.Finished{}
	}
}
