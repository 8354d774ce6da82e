// Package cmd holds the command line entry points of the scheduler service
package cmd

import (
	"fmt"
	"os"

	"github.com/Nurenaissance/fastapinewone/config"
	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfg    *config.ProductionConfig
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fastapinewone",
	Short: "Deferred WhatsApp template delivery",
	Long: `fastapinewone stores template sends scheduled for a date and time and
delivers them from a poll loop that any number of instances can run
against the same database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		loaded, err := config.LoadProductionConfig()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		log, err := utils.NewLogger(utils.LoggerOptions{
			Level:      loaded.Logging.Level,
			Format:     loaded.Logging.Format,
			Output:     loaded.Logging.Output,
			FilePath:   loaded.Logging.FilePath,
			MaxSize:    loaded.Logging.MaxSize,
			MaxBackups: loaded.Logging.MaxBackups,
			MaxAge:     loaded.Logging.MaxAge,
			Compress:   loaded.Logging.Compress,
		})
		if err != nil {
			return fmt.Errorf("logger error: %w", err)
		}
		cfg, logger = loaded, log
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
