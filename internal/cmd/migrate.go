package cmd

import (
	"github.com/spf13/cobra"

	"github.com/repograde/repograde/internal/config"
	"github.com/repograde/repograde/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		conn, err := db.Connect(cmd.Context(), cfg.DBPath)
		if err != nil {
			return err
		}
		defer conn.Close()
		cmd.Println("database is up to date:", cfg.DBPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
