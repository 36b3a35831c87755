package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.HTTP.Addr)
	assert.Equal(t, BackendMemory, cfg.Tracking.StateBackend)
	assert.Equal(t, 2*time.Second, cfg.Tracking.DebounceWindow)
	assert.Equal(t, 0.05, cfg.Tracking.HysteresisMargin)
	assert.Equal(t, time.Duration(0), cfg.Tracking.StaleAfter)
	assert.Equal(t, 50, cfg.Tracking.HistoryLimit)
	assert.Equal(t, 2*time.Second, cfg.Tracking.SnapshotTTL)
	assert.Equal(t, "tracking:observations", cfg.Stream.Input)
	assert.Equal(t, int64(5), cfg.Stream.MaxDeliveries)
	assert.Equal(t, "safeplay/cameras/+/recognition", cfg.Recognition.Topic)
	assert.Equal(t, "safeplay/cameras/+/placement", cfg.Recognition.PlacementTopic)
	assert.Equal(t, "safeplay", cfg.Database.Database)
	assert.False(t, cfg.Persist.Enabled)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("TRACKING_STATE_BACKEND", "Redis")
	t.Setenv("TRACKING_DEBOUNCE_MS", "500")
	t.Setenv("TRACKING_HYSTERESIS", "0.1")
	t.Setenv("TRACKING_STALE_AFTER_SEC", "600")
	t.Setenv("PERSIST_ENABLED", "true")
	t.Setenv("PERSIST_BATCH_SIZE", "20")
	t.Setenv("DB_HOST", "pg.internal")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("MQTT_QOS", "2")
	t.Setenv("DIRECTORY_TIMEOUT_MS", "750")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Tracking.StateBackend)
	assert.Equal(t, 500*time.Millisecond, cfg.Tracking.DebounceWindow)
	assert.Equal(t, 0.1, cfg.Tracking.HysteresisMargin)
	assert.Equal(t, 10*time.Minute, cfg.Tracking.StaleAfter)
	assert.True(t, cfg.Persist.Enabled)
	assert.Equal(t, 20, cfg.Persist.BatchSize)
	assert.Equal(t, "pg.internal", cfg.Database.Host)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, byte(2), cfg.MQTT.QoS)
	assert.Equal(t, 750*time.Millisecond, cfg.Directory.Timeout)
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Setenv("TRACKING_STATE_BACKEND", "etcd")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidHysteresis(t *testing.T) {
	t.Setenv("TRACKING_HYSTERESIS", "1.5")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HTTP_ADDR=:9999\nTRACKING_HISTORY_LIMIT=7\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	// godotenv 不覆盖已有变量；Cleanup 时清除
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("TRACKING_HISTORY_LIMIT", "")
	os.Unsetenv("HTTP_ADDR")
	os.Unsetenv("TRACKING_HISTORY_LIMIT")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, 7, cfg.Tracking.HistoryLimit)
}
