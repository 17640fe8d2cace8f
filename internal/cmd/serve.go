package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/repograde/repograde/internal/app"
	"github.com/repograde/repograde/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the evaluation service",
	Long:  "Start the HTTP surface, the evaluation worker pool, the cache warmer, and the usage sweeper. Stops gracefully on SIGINT or SIGTERM.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(ctx, config.Load(), slog.Default())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
