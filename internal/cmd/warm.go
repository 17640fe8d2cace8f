package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/repograde/repograde/internal/app"
	"github.com/repograde/repograde/internal/config"
)

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Run one cache-warming sweep and exit",
	Long:  "Seed or refresh cached file-selection strategies for the known repository shapes, then exit. The serve command runs the same sweep on a timer.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(ctx, config.Load(), slog.Default())
		if err != nil {
			return err
		}
		defer a.Close()
		a.WarmOnce(ctx)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(warmCmd)
}
