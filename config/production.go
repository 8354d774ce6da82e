// Package config provides configuration management and environment variable handling for the application
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ProductionConfig holds all configuration for production environment
type ProductionConfig struct {
	Database  DatabaseConfig  `json:"database"`
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Cache     CacheConfig     `json:"cache"`
	Scheduler SchedulerConfig `json:"scheduler"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Merge     MergeConfig     `json:"merge"`
	Tracing   TracingConfig   `json:"tracing"`
}

type DatabaseConfig struct {
	Host            string        `envconfig:"DB_HOST" default:"localhost" json:"host"`
	Port            int           `envconfig:"DB_PORT" default:"5432" json:"port"`
	Name            string        `envconfig:"DB_NAME" default:"postgres" json:"name"`
	User            string        `envconfig:"DB_USER" default:"postgres" json:"user"`
	Password        string        `envconfig:"DB_PASSWORD" json:"-"`
	SSLMode         string        `envconfig:"DB_SSL_MODE" default:"require" json:"ssl_mode"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25" json:"max_open_conns"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"10" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"15m" json:"conn_max_idle_time"`
	SlowQueryLog    bool          `envconfig:"DB_SLOW_QUERY_LOG" default:"true" json:"slow_query_log"`
	SlowQueryTime   time.Duration `envconfig:"DB_SLOW_QUERY_TIME" default:"1s" json:"slow_query_time"`
}

// DSN returns the postgres connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0" json:"host"`
	Port            int           `envconfig:"SERVER_PORT" default:"8080" json:"port"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"30s" json:"read_timeout"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s" json:"write_timeout"`
	IdleTimeout     time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"120s" json:"idle_timeout"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s" json:"shutdown_timeout"`
	RequestTimeout  time.Duration `envconfig:"SERVER_REQUEST_TIMEOUT" default:"30s" json:"request_timeout"`
	BodyLimit       int           `envconfig:"SERVER_BODY_LIMIT" default:"4194304" json:"body_limit"`
}

type LoggingConfig struct {
	Level      string `envconfig:"LOG_LEVEL" default:"info" json:"level"`     // debug, info, warn, error
	Format     string `envconfig:"LOG_FORMAT" default:"json" json:"format"`   // json, text
	Output     string `envconfig:"LOG_OUTPUT" default:"stdout" json:"output"` // stdout, file, both
	FilePath   string `envconfig:"LOG_FILE_PATH" default:"/var/log/fastapinewone/app.log" json:"file_path"`
	MaxSize    int    `envconfig:"LOG_MAX_SIZE" default:"100" json:"max_size"` // MB
	MaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"10" json:"max_backups"`
	MaxAge     int    `envconfig:"LOG_MAX_AGE" default:"30" json:"max_age"` // days
	Compress   bool   `envconfig:"LOG_COMPRESS" default:"true" json:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `envconfig:"METRICS_ENABLED" default:"true" json:"enabled"`
	Path    string `envconfig:"METRICS_PATH" default:"/metrics" json:"path"`
}

type CacheConfig struct {
	Enabled             bool          `envconfig:"CACHE_ENABLED" default:"false" json:"enabled"`
	RedisURL            string        `envconfig:"CACHE_REDIS_URL" json:"-"`
	RedisDB             int           `envconfig:"CACHE_REDIS_DB" default:"0" json:"redis_db"`
	RedisPrefix         string        `envconfig:"CACHE_REDIS_PREFIX" default:"fastapinewone:" json:"redis_prefix"`
	HealthCheckInterval time.Duration `envconfig:"CACHE_HEALTH_CHECK_INTERVAL" default:"30s" json:"health_check_interval"`
}

type SchedulerConfig struct {
	Enabled       bool          `envconfig:"SCHEDULER_ENABLED" default:"true" json:"enabled"`
	PollInterval  time.Duration `envconfig:"SCHEDULER_POLL_INTERVAL" default:"10s" json:"poll_interval"`
	StaleTimeout  time.Duration `envconfig:"SCHEDULER_STALE_TIMEOUT" default:"5m" json:"stale_timeout"`
	MaxRetries    int           `envconfig:"SCHEDULER_MAX_RETRIES" default:"3" json:"max_retries"`
	BatchSize     int           `envconfig:"SCHEDULER_BATCH_SIZE" default:"100" json:"batch_size"`
	MaxBackoff    time.Duration `envconfig:"SCHEDULER_MAX_BACKOFF" default:"5m" json:"max_backoff"`
	StopTimeout   time.Duration `envconfig:"SCHEDULER_STOP_TIMEOUT" default:"30s" json:"stop_timeout"`
	Timezone      string        `envconfig:"SCHEDULER_TIMEZONE" default:"Asia/Kolkata" json:"timezone"`
	CreationGrace time.Duration `envconfig:"SCHEDULER_CREATION_GRACE" default:"5m" json:"creation_grace"`
	InstanceID    string        `envconfig:"SCHEDULER_INSTANCE_ID" json:"instance_id"`
}

type WhatsAppConfig struct {
	SendTemplateURL  string        `envconfig:"WHATSAPP_SEND_TEMPLATE_URL" default:"https://whatsappbotserver.azurewebsites.net/send-template" json:"send_template_url"`
	ServiceKey       string        `envconfig:"WHATSAPP_SERVICE_KEY" json:"-"`
	Timeout          time.Duration `envconfig:"WHATSAPP_TIMEOUT" default:"60s" json:"timeout"`
	TransportRetries int           `envconfig:"WHATSAPP_TRANSPORT_RETRIES" default:"2" json:"transport_retries"`
	PhoneRegion      string        `envconfig:"WHATSAPP_PHONE_REGION" default:"IN" json:"phone_region"`
}

type MergeConfig struct {
	LockTTL time.Duration `envconfig:"MERGE_LOCK_TTL" default:"2m" json:"lock_ttl"`
}

// TracingConfig controls span export. The OTLP endpoint and headers come from
// the standard OTEL_EXPORTER_OTLP_* variables.
type TracingConfig struct {
	Enabled     bool    `envconfig:"TRACING_ENABLED" default:"false" json:"enabled"`
	ServiceName string  `envconfig:"TRACING_SERVICE_NAME" default:"fastapinewone-scheduler" json:"service_name"`
	SampleRatio float64 `envconfig:"TRACING_SAMPLE_RATIO" default:"1" json:"sample_ratio"`
}

// LoadProductionConfig loads and validates configuration from environment variables
func LoadProductionConfig() (*ProductionConfig, error) {
	if err := loadEnvFile(".env"); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &ProductionConfig{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment configuration: %w", err)
	}

	if err := ValidateProductionConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEnvFile loads environment variables from an env file if it exists.
// Variables already present in the environment win.
func loadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// ValidateProductionConfig validates the production configuration
func ValidateProductionConfig(cfg *ProductionConfig) error {
	var errs []string

	if cfg.Database.Host == "" {
		errs = append(errs, "DB_HOST is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errs = append(errs, "DB_PORT must be between 1 and 65535")
	}
	if cfg.Database.Name == "" {
		errs = append(errs, "DB_NAME is required")
	}
	if cfg.Database.User == "" {
		errs = append(errs, "DB_USER is required")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "SERVER_PORT must be between 1 and 65535")
	}
	if cfg.Server.ReadTimeout <= 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be positive")
	}
	if cfg.Server.WriteTimeout <= 0 {
		errs = append(errs, "SERVER_WRITE_TIMEOUT must be positive")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if cfg.Logging.Level != "" && !slices.Contains(validLevels, cfg.Logging.Level) {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL must be one of: %v", validLevels))
	}
	if !slices.Contains([]string{"stdout", "file", "both"}, cfg.Logging.Output) {
		errs = append(errs, "LOG_OUTPUT must be one of: stdout, file, both")
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.FilePath == "" {
		errs = append(errs, "LOG_FILE_PATH is required when logging to a file")
	}

	if cfg.Tracing.Enabled && cfg.Tracing.ServiceName == "" {
		errs = append(errs, "TRACING_SERVICE_NAME is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, "TRACING_SAMPLE_RATIO must be between 0 and 1")
	}

	if cfg.Cache.Enabled && cfg.Cache.RedisURL == "" {
		errs = append(errs, "CACHE_REDIS_URL is required when cache is enabled")
	}

	if cfg.Scheduler.PollInterval <= 0 {
		errs = append(errs, "SCHEDULER_POLL_INTERVAL must be positive")
	}
	if cfg.Scheduler.StaleTimeout <= 0 {
		errs = append(errs, "SCHEDULER_STALE_TIMEOUT must be positive")
	}
	if cfg.Scheduler.MaxRetries <= 0 {
		errs = append(errs, "SCHEDULER_MAX_RETRIES must be positive")
	}
	if cfg.Scheduler.BatchSize <= 0 {
		errs = append(errs, "SCHEDULER_BATCH_SIZE must be positive")
	}
	if cfg.Scheduler.MaxBackoff < cfg.Scheduler.PollInterval {
		errs = append(errs, "SCHEDULER_MAX_BACKOFF must not be shorter than SCHEDULER_POLL_INTERVAL")
	}
	if cfg.Scheduler.StopTimeout <= 0 {
		errs = append(errs, "SCHEDULER_STOP_TIMEOUT must be positive")
	}
	if cfg.Scheduler.CreationGrace < 0 {
		errs = append(errs, "SCHEDULER_CREATION_GRACE must not be negative")
	}
	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("SCHEDULER_TIMEZONE is not a valid IANA zone: %s", cfg.Scheduler.Timezone))
	}
	// Recovery must not fire while a send can still be in flight
	if cfg.Scheduler.StaleTimeout <= cfg.WhatsApp.Timeout {
		errs = append(errs, "SCHEDULER_STALE_TIMEOUT must be longer than WHATSAPP_TIMEOUT")
	}

	if u, err := url.Parse(cfg.WhatsApp.SendTemplateURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "WHATSAPP_SEND_TEMPLATE_URL must be an absolute URL")
	}
	if cfg.WhatsApp.Timeout <= 0 {
		errs = append(errs, "WHATSAPP_TIMEOUT must be positive")
	}
	if cfg.WhatsApp.TransportRetries < 0 {
		errs = append(errs, "WHATSAPP_TRANSPORT_RETRIES must not be negative")
	}
	if len(cfg.WhatsApp.PhoneRegion) != 2 {
		errs = append(errs, "WHATSAPP_PHONE_REGION must be a two-letter region code")
	}

	if cfg.Merge.LockTTL <= 0 {
		errs = append(errs, "MERGE_LOCK_TTL must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}
