package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	businessflow "github.com/Nurenaissance/fastapinewone/business_flow"
	"github.com/Nurenaissance/fastapinewone/repository"
	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/bsm/redislock"
	"github.com/spf13/cobra"
)

var mergeTenant string

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge a tenant's pending sends for today and tomorrow",
	Long: `Collapses pending events that share a template and a date into one
event whose recipient list is the deduplicated union of the group.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if mergeTenant == "" {
			return errors.New("--tenant is required")
		}
		ctx := cmd.Context()

		shutdownTracing, err := initTracing(ctx, cfg.Tracing, logger)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				logger.WithError(err).Warn("failed to flush traces")
			}
		}()

		db, err := initializeDatabase(ctx, cfg.Database, cfg.Tracing, logger)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		rc, err := initializeCache(ctx, cfg.Cache, logger)
		if err != nil {
			return err
		}
		var locker *redislock.Client
		if rc != nil {
			defer rc.Close()
			locker = redislock.New(rc)
		}

		clock, err := utils.NewSchedulingClock(cfg.Scheduler.Timezone)
		if err != nil {
			return err
		}

		flow := businessflow.NewEventMergeFlow(repository.NewScheduledEventRepository(db), clock, locker,
			cfg.Cache, cfg.Merge, cfg.WhatsApp, cfg.Scheduler.MaxRetries, logger)
		report, err := flow.MergeTenantEvents(ctx, mergeTenant)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	mergeCmd.Flags().StringVar(&mergeTenant, "tenant", "", "tenant whose events are merged")
	rootCmd.AddCommand(mergeCmd)
}
