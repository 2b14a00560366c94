// Package main implements the healer CLI: it diagnoses failed dbt runs,
// proposes fixes as pull requests and notifies subscribers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides ~/.config/healer/config.yaml
	configPath string
	// version information
	version = "dev"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "healer",
	Short: "Diagnose failed dbt runs and propose fixes",
	Long: `healer reads a dbt build log, asks a language model which files caused
the failure and how to fix them, opens a pull request with the fix and
notifies subscribed Telegram chats.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/healer/config.yaml)")
	rootCmd.AddCommand(runCmd, scanCmd, serveCmd, workerCmd, watchCmd, botCmd, initCICmd)
}
