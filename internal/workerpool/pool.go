package workerpool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"log/slog"

	"golang.org/x/sys/unix"

	"assay/internal/logging"
)

// fallbackWorkerCount is used when the CPU probe yields nothing usable.
const fallbackWorkerCount = 4

// Options configures a pool start.
type Options struct {
	// Announce is the boundary address handed to every worker.
	Announce string
	// RunID identifies the run workers should join.
	RunID string
	// Count is the number of processes to spawn. Zero means one per CPU.
	Count int
	// Command is the worker executable. Empty means the current binary,
	// invoked with its "worker" subcommand.
	Command string
}

type workerProcess struct {
	cmd     *exec.Cmd
	control io.WriteCloser
	drained chan struct{}
}

// Pool owns a set of worker processes for one run at a time.
type Pool struct {
	logger *slog.Logger

	mu      sync.Mutex
	workers []*workerProcess
}

// New constructs an empty pool.
func New(logger *slog.Logger) *Pool {
	return &Pool{logger: logging.WithComponent(logger, "workerpool")}
}

// ResolveCount applies the worker-count fallback chain.
func ResolveCount(explicit int) int {
	if explicit > 0 {
		return explicit
	}
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return fallbackWorkerCount
}

// Start spawns worker processes. It is a no-op when workers already exist.
func (p *Pool) Start(ctx context.Context, opts Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) > 0 {
		return nil
	}
	if opts.Announce == "" {
		return fmt.Errorf("worker pool requires an announce address")
	}

	name, args, err := workerCommand(opts)
	if err != nil {
		return err
	}

	count := ResolveCount(opts.Count)
	for i := 0; i < count; i++ {
		worker, err := p.spawn(ctx, name, args, i)
		if err != nil {
			p.stopLocked()
			return fmt.Errorf("spawn worker %d: %w", i, err)
		}
		p.workers = append(p.workers, worker)
	}

	p.logger.Info("worker pool started",
		logging.Int("workers", count),
		logging.String("announce", opts.Announce))
	return nil
}

func workerCommand(opts Options) (string, []string, error) {
	flags := []string{"--announce", opts.Announce, "--run-id", opts.RunID}
	if opts.Command != "" {
		parts := strings.Fields(opts.Command)
		return parts[0], append(parts[1:], flags...), nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("resolve worker executable: %w", err)
	}
	return self, append([]string{"worker"}, flags...), nil
}

func (p *Pool) spawn(ctx context.Context, name string, args []string, index int) (*workerProcess, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	// Orphaned workers exit with the coordinator even if the control pipe
	// close is never observed.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGTERM}

	control, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("control pipe: %w", err)
	}

	outputRead, outputWrite, err := os.Pipe()
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = outputWrite
	cmd.Stderr = outputWrite

	if err := cmd.Start(); err != nil {
		control.Close()
		outputRead.Close()
		outputWrite.Close()
		return nil, err
	}
	outputWrite.Close()

	worker := &workerProcess{cmd: cmd, control: control, drained: make(chan struct{})}
	logger := p.logger.With(logging.Int("worker", index), logging.Int("pid", cmd.Process.Pid))
	go drainOutput(outputRead, logger, worker.drained)

	return worker, nil
}

func drainOutput(r io.ReadCloser, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		logger.Info(line)
	}
}

// Stop closes every control pipe and waits for every process to exit. It is
// safe to call with no workers running, and must be called before starting
// workers for a new run.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Pool) stopLocked() {
	for _, worker := range p.workers {
		_ = worker.control.Close()
	}
	for _, worker := range p.workers {
		<-worker.drained
		if err := worker.cmd.Wait(); err != nil {
			p.logger.Debug("worker exited with error",
				logging.Int("pid", worker.cmd.Process.Pid),
				logging.Error(err))
		}
	}
	p.workers = nil
}

// Size reports the number of live worker processes.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
