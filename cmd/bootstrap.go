package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Nurenaissance/fastapinewone/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// initializeDatabase opens the postgres pool and verifies connectivity
func initializeDatabase(ctx context.Context, dbCfg config.DatabaseConfig, tracing config.TracingConfig, logger *logrus.Logger) (*gorm.DB, error) {
	gormLog := gormlogger.Discard
	if dbCfg.SlowQueryLog {
		gormLog = gormlogger.New(log.New(logger.WriterLevel(logrus.WarnLevel), "", 0), gormlogger.Config{
			SlowThreshold:             dbCfg.SlowQueryTime,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(postgres.Open(dbCfg.DSN()), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if tracing.Enabled {
		if err := db.Use(otelgorm.NewPlugin(otelgorm.WithDBName(dbCfg.Name))); err != nil {
			logger.WithError(err).Warn("failed to install otelgorm plugin")
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(dbCfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(dbCfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(dbCfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(dbCfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":           dbCfg.Host,
		"database":       dbCfg.Name,
		"max_open_conns": dbCfg.MaxOpenConns,
		"max_idle_conns": dbCfg.MaxIdleConns,
	}).Info("Database connection established")
	return db, nil
}

// initializeCache returns nil when redis is disabled
func initializeCache(ctx context.Context, cacheCfg config.CacheConfig, logger *logrus.Logger) (*redis.Client, error) {
	if !cacheCfg.Enabled {
		return nil, nil
	}

	opt, err := redis.ParseURL(cacheCfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cacheCfg.RedisDB

	rc := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.WithFields(logrus.Fields{"addr": opt.Addr, "db": opt.DB}).Info("Redis connection established")
	return rc, nil
}

// runCacheHealthMonitor pings redis every interval until ctx is done
func runCacheHealthMonitor(ctx context.Context, client *redis.Client, interval time.Duration, logger logrus.FieldLogger) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := client.Ping(pingCtx).Err(); err != nil {
				logger.WithError(err).Warn("Redis healthcheck failed")
			}
			cancel()
		}
	}
}
