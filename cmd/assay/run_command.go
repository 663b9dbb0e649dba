package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"assay/internal/analysis"
	"assay/internal/logging"
	"assay/internal/measurements"
	"assay/internal/pipeline"
	"assay/internal/preflight"
	"assay/internal/protocol"
	"assay/internal/workerpool"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var pipelinePath string
	var measurementsPath string
	var outputPath string
	var workers int
	var keepDone bool
	var preferences map[string]string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline over the registered image sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			logger, err := ctx.newLogger(cfg, filepath.Join(cfg.Paths.LogDir, "assay.log"))
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			for _, line := range renderSectionHeader("Preflight", colorize) {
				fmt.Fprintln(out, line)
			}
			results := preflight.RunAll(cfg)
			for _, result := range results {
				kind := statusOK
				if !result.Passed {
					kind = statusError
				}
				fmt.Fprintln(out, renderStatusLine(result.Name, kind, result.Detail, colorize))
			}
			if !preflight.AllPassed(results) {
				return errors.New("preflight checks failed")
			}

			blob, err := os.ReadFile(pipelinePath)
			if err != nil {
				return fmt.Errorf("read pipeline: %w", err)
			}
			pipe, err := pipeline.FromSnapshot(blob)
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(measurementsPath)
			if err != nil {
				return fmt.Errorf("read initial measurements: %w", err)
			}
			initialBuf, err := measurements.ParseBuffer(raw)
			if err != nil {
				return err
			}

			target := outputPath
			if target == "" {
				target = filepath.Join(cfg.Paths.DataDir, "measurements.db")
			}

			pool := workerpool.New(logging.WithComponent(logger, "workerpool"))
			run := analysis.New(cfg, pipe, pipeline.Preferences(preferences), target, initialBuf, pool, logger)
			run.Overwrite = !keepDone
			run.PostRun = analysis.DefaultPostRun

			printer := newProgressPrinter(out, colorize, logger)
			runID, err := run.Start(printer.Sink(), workers)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderStatusLine("Run", statusInfo, runID, colorize))

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(signals)

			for {
				select {
				case <-signals:
					fmt.Fprintln(out, renderStatusLine("Run", statusInfo, "cancelling", colorize))
					run.Cancel()
				case finished := <-printer.Finished():
					printer.Summary(finished)
					if finished.Err != nil {
						return finished.Err
					}
					if finished.Cancelled {
						return errors.New("run cancelled")
					}
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "", "Pipeline snapshot file (JSON)")
	cmd.Flags().StringVarP(&measurementsPath, "measurements", "m", "", "Initial measurements file (JSON)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Result store path (default <data_dir>/measurements.db)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Worker process count (0 means the configured count)")
	cmd.Flags().BoolVar(&keepDone, "keep-done", false, "Skip image sets the initial measurements already mark done")
	cmd.Flags().StringToStringVar(&preferences, "preference", nil, "Pipeline preference overrides (key=value)")
	_ = cmd.MarkFlagRequired("pipeline")
	_ = cmd.MarkFlagRequired("measurements")

	return cmd
}

// progressPrinter turns run events into terminal output. Events arrive on
// coordinator goroutines, so every handler returns quickly.
type progressPrinter struct {
	mu       sync.Mutex
	out      io.Writer
	colorize bool
	logger   *slog.Logger
	finished chan protocol.Finished
}

func newProgressPrinter(out io.Writer, colorize bool, logger *slog.Logger) *progressPrinter {
	return &progressPrinter{
		out:      out,
		colorize: colorize,
		logger:   logger,
		finished: make(chan protocol.Finished, 1),
	}
}

func (p *progressPrinter) Finished() <-chan protocol.Finished {
	return p.finished
}

func (p *progressPrinter) Sink() protocol.Sink {
	return func(event protocol.Event) {
		switch ev := event.(type) {
		case protocol.Started:
			p.line("Run", statusInfo, "started")
		case protocol.Progress:
			p.line("Progress", statusInfo, formatCounts(ev.Counts))
		case protocol.Paused:
			p.line("Run", statusInfo, "paused")
		case protocol.Resumed:
			p.line("Run", statusInfo, "resumed")
		case protocol.WorkerMessage:
			p.handleWorkerMessage(ev)
		case protocol.Finished:
			select {
			case p.finished <- ev:
			default:
			}
		}
	}
}

func (p *progressPrinter) handleWorkerMessage(msg protocol.WorkerMessage) {
	message := msg.Envelope.Detail["message"]
	switch msg.Envelope.Kind {
	case protocol.KindException:
		p.logger.Error("worker exception",
			logging.String("message", message),
			logging.Any("image_sets", msg.Envelope.ImageSetNumbers))
		p.line("Worker", statusError, message)
	case protocol.KindDisplay:
		p.logger.Info("worker display", logging.Any("detail", msg.Envelope.Detail))
	default:
		p.logger.Warn("worker message",
			logging.String("kind", string(msg.Envelope.Kind)),
			logging.Any("detail", msg.Envelope.Detail))
	}
	msg.Respond(protocol.SinkReply{})
}

func (p *progressPrinter) line(label string, kind statusKind, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, renderStatusLine(label, kind, message, p.colorize))
}

// Summary prints the closing table once the run has finished.
func (p *progressPrinter) Summary(finished protocol.Finished) {
	p.mu.Lock()
	defer p.mu.Unlock()

	outcome := "finished"
	kind := statusOK
	switch {
	case finished.Err != nil:
		outcome = "failed: " + finished.Err.Error()
		kind = statusError
	case finished.Cancelled:
		outcome = "cancelled"
		kind = statusError
	}
	fmt.Fprintln(p.out, renderStatusLine("Run", kind, outcome, p.colorize))
	if finished.StorePath != "" {
		fmt.Fprintln(p.out, renderStatusLine("Results", statusInfo, finished.StorePath, p.colorize))
	}
}

func formatCounts(counts map[measurements.Status]int) string {
	total := 0
	parts := make([]string, 0, len(counts))
	for _, status := range measurements.Statuses() {
		n, ok := counts[status]
		if !ok {
			continue
		}
		total += n
		parts = append(parts, strconv.Itoa(n)+" "+displayStatus(status))
	}
	if len(parts) == 0 {
		return "no image sets"
	}
	result := parts[0]
	for _, part := range parts[1:] {
		result += ", " + part
	}
	return result + " (" + strconv.Itoa(total) + " total)"
}
