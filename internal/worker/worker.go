package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/rpc"
	"os"
	"time"

	"log/slog"

	"assay/internal/boundary"
	"assay/internal/logging"
	"assay/internal/pipeline"
	"assay/internal/protocol"
)

// Options configures one worker process.
type Options struct {
	Announce     string
	RunID        string
	PollInterval time.Duration
	Executor     Executor
	Logger       *slog.Logger
}

// Worker is the long-lived loop of one worker process.
type Worker struct {
	opts   Options
	logger *slog.Logger
}

// New validates options and constructs a worker.
func New(opts Options) (*Worker, error) {
	if opts.Announce == "" {
		return nil, errors.New("worker requires an announce address")
	}
	if opts.RunID == "" {
		return nil, errors.New("worker requires a run id")
	}
	if opts.Executor == nil {
		opts.Executor = NewTimingExecutor()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	return &Worker{opts: opts, logger: logging.WithComponent(opts.Logger, "worker")}, nil
}

// WatchControl closes done when the control stream (the worker's stdin)
// reaches EOF, which is the coordinator telling this process to exit.
func WatchControl(control io.Reader) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		for {
			if _, err := control.Read(buf); err != nil {
				return
			}
		}
	}()
	return done
}

// Run executes the worker loop until the context is cancelled or the run's
// boundary goes away.
func (w *Worker) Run(ctx context.Context) error {
	client, err := boundary.Dial(w.opts.Announce, w.opts.RunID)
	if err != nil {
		return fmt.Errorf("dial boundary: %w", err)
	}
	defer client.Close()

	prefsReply, err := client.PipelinePreferences()
	if err != nil {
		return fmt.Errorf("fetch pipeline: %w", err)
	}
	pipe, err := pipeline.FromSnapshot(prefsReply.PipelineBlob)
	if err != nil {
		return err
	}

	// The initial payload seeds executors that need prior measurements; the
	// built-in executor does not, but real ones do, so fetch it regardless.
	if _, err := client.InitialMeasurements(); err != nil {
		return fmt.Errorf("fetch initial measurements: %w", err)
	}

	w.logger.Info("worker ready",
		logging.String("run_id", w.opts.RunID),
		logging.String("pipeline", pipe.Name))

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		reply, err := client.RequestWork()
		if err != nil {
			if serverGone(err) {
				return nil
			}
			return fmt.Errorf("request work: %w", err)
		}
		if reply.NoWork {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}

		if err := w.runJob(ctx, client, pipe, prefsReply.Preferences, reply); err != nil {
			if serverGone(err) {
				return nil
			}
			return err
		}
	}
}

func (w *Worker) runJob(ctx context.Context, client *boundary.Client, pipe pipeline.Pipeline, prefs pipeline.Preferences, work *protocol.WorkReply) error {
	job := Job{
		Pipeline:        pipe,
		Preferences:     prefs,
		ImageSetNumbers: work.ImageSetNumbers,
		RunsPostGroup:   work.WorkerRunsPostGroup,
	}

	if work.WantsDictionary {
		// First unit of the run: start from empty dictionaries and publish
		// whatever the pipeline populates.
		job.Dictionaries = pipeline.EmptyDictionaries(pipe)
	} else {
		shared, err := client.SharedDictionaries()
		if err != nil {
			return err
		}
		job.Dictionaries = shared.Dictionaries
	}

	buf, execErr := w.opts.Executor.Execute(ctx, job)
	if execErr != nil {
		// Pipeline failures belong upstream, uninterpreted.
		w.logger.Warn("unit of work failed",
			logging.Any("image_sets", work.ImageSetNumbers),
			logging.Error(execErr))
		_, fwdErr := client.Forward(protocol.KindException, work.ImageSetNumbers, map[string]string{
			"message": execErr.Error(),
		})
		return fwdErr
	}

	var publish pipeline.Dictionaries
	if work.WantsDictionary {
		publish = job.Dictionaries
	}
	if _, err := client.ReportImageSetSuccess(work.ImageSetNumbers, publish); err != nil {
		return err
	}
	if _, err := client.ReportMeasurements(work.ImageSetNumbers, buf.Bytes()); err != nil {
		return err
	}
	return nil
}

// serverGone reports whether an RPC error means the run's boundary has been
// released, which is a normal exit signal rather than a failure.
func serverGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, rpc.ErrShutdown) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, os.ErrClosed) {
		return true
	}
	// net/rpc surfaces server-side errors as strings.
	return err.Error() == boundary.ErrUpstreamExit.Error()
}
