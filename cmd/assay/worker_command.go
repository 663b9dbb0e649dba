package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"assay/internal/worker"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var announce string
	var runID string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a worker process (spawned by the coordinator)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			// Worker logs go to stdout, which the coordinator drains and
			// relogs under its own logger.
			logger, err := ctx.newLogger(cfg, "stdout")
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}

			w, err := worker.New(worker.Options{
				Announce:     announce,
				RunID:        runID,
				PollInterval: time.Duration(cfg.Workers.PollIntervalMS) * time.Millisecond,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			runCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// Stdin is the control stream; EOF means the coordinator is gone.
			controlClosed := worker.WatchControl(os.Stdin)
			go func() {
				<-controlClosed
				cancel()
			}()

			return w.Run(runCtx)
		},
	}

	cmd.Flags().StringVar(&announce, "announce", "", "Coordinator socket address")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier issued by the coordinator")
	_ = cmd.MarkFlagRequired("announce")
	_ = cmd.MarkFlagRequired("run-id")

	return cmd
}
