package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProductionConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DB_PASSWORD", "secret")

	cfg, err := LoadProductionConfig()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.StaleTimeout)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 100, cfg.Scheduler.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.MaxBackoff)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.StopTimeout)
	assert.Equal(t, "Asia/Kolkata", cfg.Scheduler.Timezone)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.CreationGrace)
	assert.Equal(t, 60*time.Second, cfg.WhatsApp.Timeout)
	assert.Equal(t, 2, cfg.WhatsApp.TransportRetries)
	assert.Equal(t, "IN", cfg.WhatsApp.PhoneRegion)
	assert.Equal(t, 2*time.Minute, cfg.Merge.LockTTL)
	assert.False(t, cfg.Cache.Enabled)
}

func TestLoadProductionConfigOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCHEDULER_POLL_INTERVAL", "3s")
	t.Setenv("SCHEDULER_INSTANCE_ID", "worker-7")
	t.Setenv("WHATSAPP_SERVICE_KEY", "svc-key")

	cfg, err := LoadProductionConfig()
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, "worker-7", cfg.Scheduler.InstanceID)
	assert.Equal(t, "svc-key", cfg.WhatsApp.ServiceKey)
}

func TestLoadProductionConfigReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := "SCHEDULER_BATCH_SIZE=7\nSCHEDULER_TIMEZONE=UTC\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("SCHEDULER_BATCH_SIZE")
		os.Unsetenv("SCHEDULER_TIMEZONE")
	})

	cfg, err := LoadProductionConfig()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Scheduler.BatchSize)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
}

func TestValidateProductionConfigCollectsErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadProductionConfig()
	require.NoError(t, err)

	cfg.Scheduler.Timezone = "Mars/Olympus"
	cfg.Scheduler.BatchSize = 0
	cfg.Scheduler.StaleTimeout = 30 * time.Second
	cfg.WhatsApp.SendTemplateURL = "not a url"
	cfg.Cache.Enabled = true

	err = ValidateProductionConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEDULER_TIMEZONE")
	assert.Contains(t, err.Error(), "SCHEDULER_BATCH_SIZE")
	assert.Contains(t, err.Error(), "SCHEDULER_STALE_TIMEOUT must be longer than WHATSAPP_TIMEOUT")
	assert.Contains(t, err.Error(), "WHATSAPP_SEND_TEMPLATE_URL")
	assert.Contains(t, err.Error(), "CACHE_REDIS_URL")
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Name: "events", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=events sslmode=disable", c.DSN())
}
