package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healer/internal/http"
	"github.com/fyrsmithlabs/healer/internal/logging"
	"github.com/fyrsmithlabs/healer/internal/workflows"
)

var watchDebounce time.Duration

// watchCmd runs the pipeline whenever the dbt log changes.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the pipeline whenever the dbt log is written",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.cfg.ValidateForRun(); err != nil {
			return err
		}
		runner, err := a.buildRunner(ctx, a.configuredTarget())
		if err != nil {
			return err
		}
		q := http.NewQueueTrigger(1, func(ctx context.Context, _ workflows.RunRequest) error {
			_, err := runner.Run(ctx)
			return err
		}, a.logger)
		go q.Start(ctx)

		return watchLog(ctx, a.cfg.Project.LogPath, watchDebounce, a.logger, func() {
			_, err := q.Trigger(ctx, workflows.RunRequest{LogPath: a.cfg.Project.LogPath})
			if err != nil && !errors.Is(err, http.ErrDuplicateRun) && !errors.Is(err, http.ErrQueueFull) {
				a.logger.Error(ctx, "queueing run failed", zap.Error(err))
			}
		})
	},
}

// watchLog calls fire once writes to logPath have been quiet for debounce.
// The parent directory is watched so the log may be created or replaced.
func watchLog(ctx context.Context, logPath string, debounce time.Duration, logger *logging.Logger, fire func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	logPath = filepath.Clean(logPath)
	if err := watcher.Add(filepath.Dir(logPath)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(logPath), err)
	}
	logger.Info(ctx, "watching dbt log", zap.String("path", logPath))

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != logPath || !(ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create)) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "watch error", zap.Error(err))
		case <-timer.C:
			logger.Debug(ctx, "dbt log settled")
			fire()
		}
	}
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 2*time.Second, "quiet period after the last write before a run starts")
}
