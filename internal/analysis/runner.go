package analysis

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gofrs/flock"

	"assay/internal/boundary"
	"assay/internal/logging"
	"assay/internal/measurements"
	"assay/internal/pipeline"
	"assay/internal/protocol"
	"assay/internal/workerpool"
)

// workItem is one queued unit of work.
type workItem struct {
	imageSets           []int
	workerRunsPostGroup bool
	wantsDictionary     bool
}

// receivedItem is one undigested partial-result payload.
type receivedItem struct {
	imageSets []int
	buf       []byte
}

// runner drives one analysis run. It owns the interface and jobserver
// goroutines, the queues between them, and the shared pause/cancel flags.
type runner struct {
	runID       string
	pipeline    pipeline.Pipeline
	preferences pipeline.Preferences
	initialBuf  measurements.Buffer
	outputPath  string
	runtimeDir  string
	overwrite   bool
	postGroup   HookFunc
	postRun     HookFunc
	sink        protocol.Sink
	pool        *workerpool.Pool
	poolOpts    workerpool.Options
	lock        *flock.Flock
	logger      *slog.Logger

	// mu guards paused, cancelled, completed, runErr, the three unbounded
	// queues, and sharedDicts. Both condition variables share it.
	mu            sync.Mutex
	interfaceCond *sync.Cond
	jobserverCond *sync.Cond
	paused        bool
	cancelled     bool
	completed     bool
	runErr        error

	work       []workItem
	inProcess  [][]int
	finished   []*boundary.Request
	received   chan receivedItem
	cancelCh   chan struct{}
	cancelOnce sync.Once

	sharedDicts    pipeline.Dictionaries
	dictsPublished bool

	interfaceAlive atomic.Bool
	jobserverAlive atomic.Bool
	interfaceDone  chan struct{}
	jobserverDone  chan struct{}
}

// HookFunc runs a coordinator-side pipeline hook against the store.
type HookFunc func(store *measurements.Store) error

func newRunner(cfg runnerConfig) *runner {
	r := &runner{
		runID:       cfg.runID,
		pipeline:    cfg.pipeline,
		preferences: cfg.preferences,
		initialBuf:  cfg.initialBuf,
		outputPath:  cfg.outputPath,
		runtimeDir:  cfg.runtimeDir,
		overwrite:   cfg.overwrite,
		postGroup:   cfg.postGroup,
		postRun:     cfg.postRun,
		sink:        cfg.sink,
		pool:        cfg.pool,
		poolOpts:    cfg.poolOpts,
		lock:        cfg.lock,
		logger:      logging.WithComponent(cfg.logger, "analysis"),
		received:    make(chan receivedItem, cfg.receivedCapacity),
		cancelCh:    make(chan struct{}),
		sharedDicts: pipeline.EmptyDictionaries(cfg.pipeline),

		interfaceDone: make(chan struct{}),
		jobserverDone: make(chan struct{}),
	}
	r.interfaceCond = sync.NewCond(&r.mu)
	r.jobserverCond = sync.NewCond(&r.mu)
	return r
}

type runnerConfig struct {
	runID            string
	pipeline         pipeline.Pipeline
	preferences      pipeline.Preferences
	initialBuf       measurements.Buffer
	outputPath       string
	runtimeDir       string
	overwrite        bool
	receivedCapacity int
	postGroup        HookFunc
	postRun          HookFunc
	sink             protocol.Sink
	pool             *workerpool.Pool
	poolOpts         workerpool.Options
	lock             *flock.Flock
	logger           *slog.Logger
}

// start launches both coordinator goroutines and then the worker pool. It
// returns only after the interface loop has seeded work and the jobserver is
// accepting connections, so a returned nil means workers can make progress.
func (r *runner) start() error {
	// Stale workers must never join this run with last run's address.
	r.pool.Stop()

	interfaceReady := make(chan error, 1)
	r.interfaceAlive.Store(true)
	go func() {
		defer close(r.interfaceDone)
		defer r.interfaceAlive.Store(false)
		r.interfaceLoop(interfaceReady)
	}()
	if err := <-interfaceReady; err != nil {
		<-r.interfaceDone
		return err
	}

	jobserverReady := make(chan jobserverStart, 1)
	r.jobserverAlive.Store(true)
	go func() {
		defer close(r.jobserverDone)
		defer r.jobserverAlive.Store(false)
		r.jobserverLoop(jobserverReady)
	}()
	started := <-jobserverReady
	if started.err != nil {
		r.cancel()
		return started.err
	}

	opts := r.poolOpts
	opts.Announce = started.address
	opts.RunID = r.runID
	if err := r.pool.Start(context.Background(), opts); err != nil {
		r.cancel()
		return err
	}
	return nil
}

// check reports whether both coordinator goroutines are still alive.
func (r *runner) check() bool {
	return r.interfaceAlive.Load() && r.jobserverAlive.Load()
}

// pause suspends request servicing and merge progress.
func (r *runner) pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	r.notify()
}

// resume continues a paused run.
func (r *runner) resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	r.notify()
}

// cancel stops the run and joins both goroutines. Workers are told to exit
// first so no request can arrive for a run that is tearing down.
func (r *runner) cancel() {
	r.logger.Debug("stopping workers")
	r.pool.Stop()

	r.logger.Debug("cancelling run")
	r.mu.Lock()
	r.cancelled = true
	r.paused = false
	r.mu.Unlock()
	r.cancelOnce.Do(func() { close(r.cancelCh) })
	r.notify()

	r.logger.Debug("waiting on interface goroutine")
	<-r.interfaceDone
	r.logger.Debug("waiting on jobserver goroutine")
	<-r.jobserverDone
	r.logger.Debug("cancel complete")
}

// fail records an internal fault and triggers teardown of both loops.
func (r *runner) fail(err error) {
	r.mu.Lock()
	if r.runErr == nil {
		r.runErr = err
	}
	r.cancelled = true
	r.paused = false
	r.mu.Unlock()
	r.cancelOnce.Do(func() { close(r.cancelCh) })
	r.notify()
}

// complete marks a normally finished run so the jobserver loop exits too.
func (r *runner) complete() {
	r.mu.Lock()
	r.completed = true
	r.mu.Unlock()
	r.notify()
}

func (r *runner) notify() {
	r.mu.Lock()
	r.interfaceCond.Broadcast()
	r.jobserverCond.Broadcast()
	r.mu.Unlock()
}

func (r *runner) stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled || r.completed
}

func (r *runner) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *runner) post(event protocol.Event) {
	if r.sink != nil {
		r.sink(event)
	}
}

// queue helpers; every push nudges the interface loop.

func (r *runner) pushWork(item workItem) {
	r.mu.Lock()
	r.work = append(r.work, item)
	r.jobserverCond.Broadcast()
	r.mu.Unlock()
}

func (r *runner) popWork() (workItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.work) == 0 {
		return workItem{}, false
	}
	item := r.work[0]
	r.work = r.work[1:]
	return item, true
}

func (r *runner) queueDispatched(imageSets []int) {
	r.mu.Lock()
	r.inProcess = append(r.inProcess, imageSets)
	r.interfaceCond.Broadcast()
	r.mu.Unlock()
}

func (r *runner) queueFinished(req *boundary.Request) {
	r.mu.Lock()
	r.finished = append(r.finished, req)
	r.interfaceCond.Broadcast()
	r.mu.Unlock()
}

// queueReceived blocks while the bounded received queue is full; that is the
// backpressure valve keeping undigested payload memory bounded.
func (r *runner) queueReceived(item receivedItem) bool {
	select {
	case r.received <- item:
	case <-r.cancelCh:
		return false
	}
	r.mu.Lock()
	r.interfaceCond.Broadcast()
	r.mu.Unlock()
	return true
}

func (r *runner) drainInProcess() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.inProcess
	r.inProcess = nil
	return items
}

func (r *runner) drainFinished() []*boundary.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.finished
	r.finished = nil
	return items
}

func (r *runner) currentDictionaries() pipeline.Dictionaries {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sharedDicts
}

func (r *runner) publishDictionaries(dicts pipeline.Dictionaries) {
	r.mu.Lock()
	r.sharedDicts = dicts
	r.dictsPublished = true
	r.mu.Unlock()
}

// waitTimeout waits on cond with an upper bound, so loops re-check liveness
// even when no wake arrives. Callers hold cond.L and must re-check their
// predicate afterwards; spurious wakeups are expected.
func waitTimeout(cond *sync.Cond, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-time.After(timeout):
			cond.Broadcast()
		}
	}()
	cond.Wait()
	close(done)
}
