package cmd

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/Nurenaissance/fastapinewone/migrations"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [command] [version]",
	Short: "Run database migrations",
	Long: `Commands:
  up           Apply all available migrations (default)
  down         Roll back the last migration
  status       Show migration status
  version      Show current version
  redo         Roll back and reapply the last migration
  reset        Roll back all migrations
  up-to        Migrate up to a specific version
  down-to      Migrate down to a specific version`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := "up"
		if len(args) > 0 {
			action = args[0]
		}

		var version int64
		if action == "up-to" || action == "down-to" {
			if len(args) < 2 {
				return fmt.Errorf("version is required for %s", action)
			}
			v, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			version = v
		}

		db, err := sql.Open("postgres", cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := db.PingContext(cmd.Context()); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
		if err := migrations.Run(cmd.Context(), db, action, version, logger); err != nil {
			return fmt.Errorf("migration error: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
