package analysis

import (
	"context"
	"fmt"
	"time"

	"assay/internal/boundary"
	"assay/internal/logging"
	"assay/internal/protocol"
)

type jobserverStart struct {
	address string
	err     error
}

// requestPollTimeout bounds the jobserver's queue pop so pause and cancel
// are observed promptly.
const requestPollTimeout = 250 * time.Millisecond

// pausedWaitTimeout bounds the wait while paused so the boundary keeps
// servicing liveness even with no wakes arriving.
const pausedWaitTimeout = time.Second

// jobserverLoop owns the boundary and acts as the switchboard between
// workers, the interface loop, and the event sink. It stays deliberately
// lightweight: anything stateful is queued for the interface loop instead of
// handled here.
func (r *runner) jobserverLoop(ready chan<- jobserverStart) {
	server, err := boundary.NewServer(context.Background(), r.runtimeDir, r.runID, r.logger)
	if err != nil {
		ready <- jobserverStart{err: fmt.Errorf("open boundary: %w", err)}
		return
	}
	server.Serve()
	// Workers can connect from this point on.
	ready <- jobserverStart{address: server.Address()}

	// Releasing the boundary also releases any request still awaiting reply.
	defer server.Close()

	wasPaused := false

	for !r.stopping() {
		r.mu.Lock()
		paused := r.paused
		if paused && wasPaused {
			waitTimeout(r.jobserverCond, pausedWaitTimeout)
			r.mu.Unlock()
			continue
		}
		r.mu.Unlock()

		if paused {
			r.post(protocol.Paused{RunID: r.runID})
			wasPaused = true
			continue
		}
		if wasPaused {
			r.post(protocol.Resumed{RunID: r.runID})
			wasPaused = false
		}

		req, ok := server.Pop(requestPollTimeout)
		if !ok {
			continue
		}
		if err := r.dispatch(req); err != nil {
			// A malformed request is fatal to the run, not something to
			// swallow: surface it and tear down.
			r.logger.Error("protocol fault", logging.Error(err))
			req.Fail(err)
			r.fail(err)
			return
		}
	}
}

// dispatch answers one request or hands it off. The kind switch is
// exhaustive over the protocol's closed variant.
func (r *runner) dispatch(req *boundary.Request) error {
	env := req.Envelope
	switch env.Kind {
	case protocol.KindPipelinePreferences:
		blob, err := r.pipeline.Snapshot()
		if err != nil {
			return err
		}
		req.Reply(protocol.PipelinePreferencesReply{
			PipelineBlob: blob,
			Preferences:  r.preferences,
		})

	case protocol.KindInitialMeasurements:
		req.Reply(protocol.InitialMeasurementsReply{Buf: r.initialBuf.Bytes()})

	case protocol.KindWork:
		if item, ok := r.popWork(); ok {
			req.Reply(protocol.WorkReply{
				ImageSetNumbers:     item.imageSets,
				WorkerRunsPostGroup: item.workerRunsPostGroup,
				WantsDictionary:     item.wantsDictionary,
			})
			r.queueDispatched(item.imageSets)
		} else {
			// No work right now; the worker should poll again.
			req.Reply(protocol.WorkReply{NoWork: true})
		}

	case protocol.KindImageSetSuccess:
		// The interface loop replies, so it can capture shared-dictionary
		// state from a first completion before more work is served.
		r.queueFinished(req)

	case protocol.KindSharedDictionary:
		req.Reply(protocol.SharedDictionaryReply{Dictionaries: r.currentDictionaries()})

	case protocol.KindMeasurementsReport:
		if !r.queueReceived(receivedItem{imageSets: env.ImageSetNumbers, buf: env.Buf}) {
			req.Fail(boundary.ErrUpstreamExit)
			return nil
		}
		req.Reply(protocol.Ack{Message: "THANKS"})

	case protocol.KindInteraction, protocol.KindDisplay, protocol.KindException,
		protocol.KindDebugWaiting, protocol.KindDebugComplete:
		r.post(protocol.WorkerMessage{
			Envelope: env,
			Respond:  func(reply protocol.SinkReply) { req.Reply(reply) },
		})

	default:
		return fmt.Errorf("unknown request kind %q from worker", env.Kind)
	}
	return nil
}
