// Package cmd implements the repograde command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:   "repograde",
	Short: "Repository evaluation service",
	Long: `repograde scores GitHub repository snapshots against course rubrics.

Evidence files are selected through a cached, rule-based, and model-assisted
cascade, graded by a chat-completions model, and served over HTTP with
per-tier monthly quotas. Configuration comes from the environment; a .env
file in the working directory is honored.`,
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
