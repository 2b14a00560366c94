package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/healer/internal/ledger"
)

var runLogPath string

// runCmd performs one pipeline pass over the configured project.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Diagnose the latest dbt failure and open a fix pull request",
	Long: `Scan the dbt log for new failures, extract the context of the most recent
one, ask the configured provider for a fix, open a pull request and notify
subscribers. The outcome is printed as JSON.

Examples:
  # Run against the configured project
  healer run

  # Use a different log
  healer run --log ./shop_dwh/logs/dbt.log`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if runLogPath != "" {
			a.cfg.Project.LogPath = runLogPath
		}
		if err := a.cfg.ValidateForRun(); err != nil {
			return err
		}
		runner, err := a.buildRunner(ctx, a.configuredTarget())
		if err != nil {
			return err
		}
		out, runErr := runner.Run(ctx)
		if out != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
		}
		return runErr
	},
}

// scanCmd records new failure signatures without diagnosing them.
var scanCmd = &cobra.Command{
	Use:   "scan [log]",
	Short: "Record new failure signatures from a dbt log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		logPath := a.cfg.Project.LogPath
		if len(args) == 1 {
			logPath = args[0]
		}
		if logPath == "" {
			return fmt.Errorf("no dbt log given and project.log_path is not configured")
		}
		l, err := ledger.Open(a.cfg.Project.LedgerPath)
		if err != nil {
			return err
		}
		fresh, err := l.ScanNew(logPath)
		if err != nil {
			return err
		}
		for _, sig := range fresh {
			fmt.Fprintln(cmd.OutOrStdout(), sig)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runLogPath, "log", "", "dbt log to analyze (default project.log_path)")
}
