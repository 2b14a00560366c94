package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healer/internal/checkout"
	"github.com/fyrsmithlabs/healer/internal/workflows"
)

// workerCmd runs the Temporal worker executing remediation runs.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute remediation runs dispatched through Temporal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.cfg.Temporal.Host == "" {
			return fmt.Errorf("temporal.host is not configured")
		}
		c, err := dialTemporal(a)
		if err != nil {
			return err
		}
		defer c.Close()

		acts := workflows.NewActivities(
			checkout.New(a.cfg.Checkout.Root, a.logger),
			func(ctx context.Context, in workflows.PipelineInput) (workflows.PipelineRunner, error) {
				return a.buildRunner(ctx, a.checkoutTarget(in.Checkout, in.Request.DBTPath, in.Request.LogPath))
			},
			a.logger,
		)
		w := workflows.NewWorker(c, a.cfg.Temporal.TaskQueue, acts)

		a.logger.Info(ctx, "worker configured", zap.String("task_queue", a.cfg.Temporal.TaskQueue))

		workerErrors := make(chan error, 1)
		go func() { workerErrors <- w.Run(worker.InterruptCh()) }()

		select {
		case err := <-workerErrors:
			if err != nil {
				return fmt.Errorf("worker error: %w", err)
			}
		case <-ctx.Done():
			a.logger.Info(context.Background(), "shutdown signal received")
			w.Stop()
		}
		return nil
	},
}
