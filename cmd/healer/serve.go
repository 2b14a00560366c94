package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healer/internal/checkout"
	"github.com/fyrsmithlabs/healer/internal/http"
	"github.com/fyrsmithlabs/healer/internal/workflows"
)

const queueSize = 16

var serveLogDir string

// serveCmd runs the ingress API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept failed dbt runs over HTTP",
	Long: `Serve POST /analyze/, /health and /metrics. Accepted failures are
dispatched to Temporal when temporal.host is configured, otherwise they run
one at a time in this process.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var trigger http.Trigger
		if a.cfg.Temporal.Host != "" {
			c, err := dialTemporal(a)
			if err != nil {
				return err
			}
			defer c.Close()
			trigger = http.NewTemporalTrigger(c, a.cfg.Temporal.TaskQueue, a.logger)
		} else {
			q := http.NewQueueTrigger(queueSize, a.runRequest, a.logger)
			go q.Start(ctx)
			trigger = q
		}

		logDir := serveLogDir
		if logDir == "" {
			logDir = a.cfg.Checkout.Root
		}
		srv, err := http.NewServer(trigger, a.logger, &http.Config{
			Host:      a.cfg.Server.Host,
			Port:      a.cfg.Server.Port,
			LogDir:    logDir,
			RateLimit: a.cfg.Server.RateLimit,
		}, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
		if err != nil {
			return err
		}

		serverErrors := make(chan error, 1)
		go func() { serverErrors <- srv.Start() }()

		select {
		case err := <-serverErrors:
			if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		case <-ctx.Done():
			a.logger.Info(context.Background(), "shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// runRequest checks out a request and runs the pipeline on it in-process.
func (a *app) runRequest(ctx context.Context, req workflows.RunRequest) error {
	co, err := checkout.New(a.cfg.Checkout.Root, a.logger).Checkout(ctx, req.Request)
	if err != nil {
		return err
	}
	runner, err := a.buildRunner(ctx, a.checkoutTarget(co, req.DBTPath, req.LogPath))
	if err != nil {
		return err
	}
	out, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	a.logger.Info(ctx, "queued run finished",
		zap.String("run_id", out.RunID),
		zap.String("status", string(out.Status)))
	return nil
}

func dialTemporal(a *app) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  a.cfg.Temporal.Host,
		Namespace: a.cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	a.logger.Info(context.Background(), "temporal client connected",
		zap.String("host", a.cfg.Temporal.Host))
	return c, nil
}

func init() {
	serveCmd.Flags().StringVar(&serveLogDir, "log-dir", "", "directory uploaded logs are stored in (default checkout.root)")
}
