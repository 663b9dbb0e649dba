package analysis

import (
	"context"
	"fmt"
	"time"

	"assay/internal/boundary"
	"assay/internal/logging"
	"assay/internal/measurements"
	"assay/internal/protocol"
)

// interfaceLoop is the control-plane half of a run: it seeds work, digests
// queues fed by the jobserver, merges measurements, and decides termination.
// Whatever path it exits through, exactly one Finished event is posted and
// the worker pool is emptied.
func (r *runner) interfaceLoop(ready chan<- error) {
	ctx := context.Background()
	logger := r.logger

	var store *measurements.Store
	acknowledgedStart := false
	postedStarted := false
	finishedNormally := false

	defer func() {
		if !acknowledgedStart {
			ready <- r.runErrLocked()
		}
		r.finalize(store, postedStarted, finishedNormally)
	}()

	store, err := measurements.Open(r.outputPath)
	if err != nil {
		r.fail(fmt.Errorf("open result store: %w", err))
		return
	}

	if err := store.WriteInitial(ctx, r.initialBuf); err != nil {
		r.fail(fmt.Errorf("persist initial measurements: %w", err))
		return
	}

	imageSets, err := store.ImageSetNumbers(ctx)
	if err != nil {
		r.fail(err)
		return
	}

	r.post(protocol.Started{RunID: r.runID})
	postedStarted = true

	// Reset the status of every image set that needs processing.
	for _, n := range imageSets {
		status, err := store.Status(ctx, n)
		if err != nil {
			r.fail(err)
			return
		}
		if r.overwrite || status != measurements.StatusDone {
			if err := store.SetStatus(ctx, n, measurements.StatusUnprocessed); err != nil {
				r.fail(err)
				return
			}
		}
	}

	groups, workerRunsPostGroup, err := measurements.PlanGroups(ctx, store, imageSets)
	if err != nil {
		r.fail(err)
		return
	}

	// Seed only the first group and hold the rest back until its completion
	// reveals the shared-dictionary state. Dictionary values computed from
	// the first unit must be visible to every subsequent unit.
	var heldGroups [][]int
	if len(groups) > 0 {
		r.pushWork(workItem{
			imageSets:           groups[0],
			workerRunsPostGroup: workerRunsPostGroup,
			wantsDictionary:     true,
		})
		heldGroups = groups[1:]
	}
	ready <- nil
	acknowledgedStart = true

	waitingForFirst := true

	for !r.isCancelled() {
		// Digest returned measurements.
	drainReceived:
		for {
			select {
			case item := <-r.received:
				buf, err := measurements.ParseBuffer(item.buf)
				if err != nil {
					r.fail(err)
					return
				}
				if err := store.Merge(ctx, buf, item.imageSets); err != nil {
					r.fail(err)
					return
				}
				for _, n := range item.imageSets {
					if err := store.SetStatus(ctx, n, measurements.StatusDone); err != nil {
						r.fail(err)
						return
					}
				}
			default:
				break drainReceived
			}
		}

		// Record dispatched units.
		for _, dispatched := range r.drainInProcess() {
			for _, n := range dispatched {
				if err := store.SetStatus(ctx, n, measurements.StatusInProcess); err != nil {
					r.fail(err)
					return
				}
			}
		}

		// Record completed units still waiting for their measurements. The
		// worker's reply is held until any first-completion dictionary state
		// has been captured, so the pool configuration is consistent before
		// more work is served.
		for _, req := range r.drainFinished() {
			for _, n := range req.Envelope.ImageSetNumbers {
				if err := store.SetStatus(ctx, n, measurements.StatusFinishedWaiting); err != nil {
					req.Fail(boundary.ErrUpstreamExit)
					r.fail(err)
					return
				}
			}
			if waitingForFirst {
				if !req.Envelope.HasDictionaries {
					err := fmt.Errorf("first completion of run %s carried no shared dictionaries", r.runID)
					req.Fail(err)
					r.fail(err)
					return
				}
				r.publishDictionaries(req.Envelope.Dictionaries)
				waitingForFirst = false
				for _, group := range heldGroups {
					r.pushWork(workItem{
						imageSets:           group,
						workerRunsPostGroup: workerRunsPostGroup,
					})
				}
				heldGroups = nil
			}
			req.Reply(protocol.Ack{Message: "THANKS"})
		}

		counts, err := store.StatusCounts(ctx, imageSets)
		if err != nil {
			r.fail(err)
			return
		}
		r.post(protocol.Progress{RunID: r.runID, Counts: counts})

		if counts[measurements.StatusDone] == len(imageSets) {
			if !workerRunsPostGroup && r.postGroup != nil {
				if err := r.postGroup(store); err != nil {
					r.fail(fmt.Errorf("post-group hook: %w", err))
					return
				}
			}
			if r.postRun != nil {
				if err := r.postRun(store); err != nil {
					r.fail(fmt.Errorf("post-run hook: %w", err))
					return
				}
			}
			if err := store.Flush(ctx); err != nil {
				r.fail(err)
				return
			}
			finishedNormally = true
			logger.Info("analysis complete",
				logging.String("run_id", r.runID),
				logging.Int("image_sets", len(imageSets)))
			r.complete()
			return
		}

		if err := store.Flush(ctx); err != nil {
			r.fail(err)
			return
		}

		// Wait for new work to react to. Re-check everything after waking.
		r.mu.Lock()
		for r.paused || (!r.cancelled &&
			len(r.inProcess) == 0 &&
			len(r.finished) == 0 &&
			len(r.received) == 0) {
			waitTimeout(r.interfaceCond, time.Second)
		}
		r.mu.Unlock()
	}
}

func (r *runner) runErrLocked() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// finalize is the single exit path of the interface loop: it posts exactly
// one Finished event, releases the store and its lock, and empties the pool.
func (r *runner) finalize(store *measurements.Store, postedStarted, finishedNormally bool) {
	r.mu.Lock()
	wasCancelled := r.cancelled && !finishedNormally && r.runErr == nil
	runErr := r.runErr
	r.mu.Unlock()

	if store != nil {
		if err := store.Close(); err != nil {
			r.logger.Warn("failed to close result store", logging.Error(err))
		}
	}
	if r.lock != nil {
		if err := r.lock.Unlock(); err != nil {
			r.logger.Warn("failed to release store lock", logging.Error(err))
		}
	}

	if postedStarted || runErr != nil {
		finished := protocol.Finished{
			RunID:     r.runID,
			Cancelled: wasCancelled,
			Err:       runErr,
		}
		if finishedNormally {
			finished.StorePath = r.outputPath
		}
		r.post(finished)
	}

	r.pool.Stop()
}
