package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/Nurenaissance/fastapinewone/app/handlers"
	"github.com/Nurenaissance/fastapinewone/app/router"
	"github.com/Nurenaissance/fastapinewone/app/scheduler"
	businessflow "github.com/Nurenaissance/fastapinewone/business_flow"
	"github.com/Nurenaissance/fastapinewone/repository"
	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/bsm/redislock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API and the delivery poll loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
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
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	defer sqlDB.Close()

	rc, err := initializeCache(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
	}

	clock, err := utils.NewSchedulingClock(cfg.Scheduler.Timezone)
	if err != nil {
		return err
	}

	repo := repository.NewScheduledEventRepository(db)

	var locker *redislock.Client
	if rc != nil {
		locker = redislock.New(rc)
	}
	merge := businessflow.NewEventMergeFlow(repo, clock, locker, cfg.Cache, cfg.Merge, cfg.WhatsApp, cfg.Scheduler.MaxRetries, logger)

	var (
		sched        *scheduler.EventScheduler
		trigger      scheduler.ScanTrigger
		health       businessflow.SchedulerHealthProvider
		redisTrigger *scheduler.RedisScanTrigger
	)
	if cfg.Scheduler.Enabled {
		sender := scheduler.NewHTTPTemplateSender(cfg.WhatsApp)
		sched = scheduler.NewEventScheduler(repo, sender, clock, logger, scheduler.OptionsFromConfig(cfg.Scheduler, cfg.WhatsApp))
		health = sched
		trigger = scheduler.NewLocalScanTrigger(sched)
		if rc != nil {
			redisTrigger = scheduler.NewRedisScanTrigger(rc, cfg.Cache.RedisPrefix, sched.InstanceID(), sched, logger)
			trigger = redisTrigger
		}
	} else {
		logger.Warn("scheduler: disabled on this instance, serving admin API only")
	}

	flow := businessflow.NewScheduledEventFlow(repo, merge, trigger, health, clock, cfg.Scheduler, logger)

	checks := map[string]handlers.HealthCheck{
		"database": sqlDB.PingContext,
	}
	if rc != nil {
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	}

	r := router.NewFiberRouter(
		handlers.NewScheduledEventHandler(flow, cfg.Server.RequestTimeout),
		handlers.NewSchedulerHandler(flow, checks, cfg.Server.RequestTimeout),
		cfg.Server,
		cfg.Metrics,
		logger,
	)
	r.SetupRoutes()

	g, gctx := errgroup.WithContext(ctx)

	if sched != nil {
		if err := sched.Start(gctx); err != nil {
			return err
		}
	}
	if redisTrigger != nil {
		g.Go(func() error { return redisTrigger.Run(gctx) })
	}
	if rc != nil {
		g.Go(func() error { return runCacheHealthMonitor(gctx, rc, cfg.Cache.HealthCheckInterval, logger) })
	}

	g.Go(func() error {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := r.Start(address); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		if sched != nil {
			if err := sched.Stop(); err != nil {
				logger.WithError(err).Warn("scheduler: stop did not complete cleanly")
			}
		}
		if err := r.GetApp().ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
			logger.WithError(err).Error("Error during shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server stopped with error")
		return err
	}
	logger.Info("Server stopped")
	return nil
}
