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
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.HTTP.Addr)
	assert.Equal(t, []string{"*"}, cfg.HTTP.CORSAllowedOrigins)
	assert.Equal(t, "iot_pv", cfg.Database.Database)
	assert.Equal(t, 100, cfg.Database.MaxConns)
	assert.Equal(t, 10, cfg.Database.MaxIdle)
	assert.Equal(t, "off", cfg.Database.ServerSettings["jit"])
	assert.Equal(t, 5000, cfg.Ingest.QueueMax)
	assert.Equal(t, 1000, cfg.Ingest.BatchSize)
	assert.Equal(t, 20*time.Millisecond, cfg.Ingest.FlushInterval)
	assert.Equal(t, 30*time.Second, cfg.Ingest.WriteTimeout)
	assert.False(t, cfg.Ingest.AutoMigrate)
	assert.False(t, cfg.Consumers.MQTT.Enabled)
	assert.Equal(t, "pv/+/telemetry", cfg.Consumers.MQTT.Topic)
	assert.False(t, cfg.Consumers.Stream.Enabled)
	assert.Equal(t, "pv:readings:stream", cfg.Consumers.Stream.Stream)
	assert.Equal(t, int64(100), cfg.Consumers.Stream.BatchSize)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("QUEUE_MAX", "250")
	t.Setenv("BATCH_SIZE", "50")
	t.Setenv("FLUSH_INTERVAL", "0.05")
	t.Setenv("WRITE_TIMEOUT", "5s")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_MIN_CONNS", "2")
	t.Setenv("DB_MAX_CONNS", "8")
	t.Setenv("DB_JIT", "on")
	t.Setenv("DB_AUTO_MIGRATE", "true")
	t.Setenv("STREAM_ENABLED", "true")
	t.Setenv("STREAM_BATCH_SIZE", "20")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 250, cfg.Ingest.QueueMax)
	assert.Equal(t, 50, cfg.Ingest.BatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Ingest.FlushInterval)
	assert.Equal(t, 5*time.Second, cfg.Ingest.WriteTimeout)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 2, cfg.Database.MaxIdle)
	assert.Equal(t, 8, cfg.Database.MaxConns)
	assert.Equal(t, "on", cfg.Database.ServerSettings["jit"])
	assert.True(t, cfg.Ingest.AutoMigrate)
	assert.True(t, cfg.Consumers.Stream.Enabled)
	assert.Equal(t, int64(20), cfg.Consumers.Stream.BatchSize)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSAllowedOrigins)
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pv-ingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":7000"
database:
  host: yaml-db
  max_conns: 20
  min_conns: 4
ingest:
  queue_max: 42
  batch_size: 7
  flush_interval: 100ms
consumers:
  mqtt:
    enabled: true
    topic: solar/+/data
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BATCH_SIZE", "9")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "yaml-db", cfg.Database.Host)
	assert.Equal(t, 20, cfg.Database.MaxConns)
	assert.Equal(t, 4, cfg.Database.MaxIdle)
	// YAML 未设置的字段保留默认值
	assert.Equal(t, "iot_pv", cfg.Database.Database)
	assert.Equal(t, "off", cfg.Database.ServerSettings["jit"])
	assert.Equal(t, 42, cfg.Ingest.QueueMax)
	assert.Equal(t, 9, cfg.Ingest.BatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Ingest.FlushInterval)
	assert.True(t, cfg.Consumers.MQTT.Enabled)
	assert.Equal(t, "solar/+/data", cfg.Consumers.MQTT.Topic)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("QUEUE_MAX", "lots")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_MAX")
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Ingest.QueueMax = 0
	cfg.Ingest.FlushInterval = 0
	cfg.Database.MaxIdle = cfg.Database.MaxConns + 1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_MAX")
	assert.Contains(t, err.Error(), "FLUSH_INTERVAL")
	assert.Contains(t, err.Error(), "DB_MIN_CONNS")

	cfg = defaultConfig()
	cfg.Consumers.Stream.Enabled = true
	cfg.Consumers.Stream.ConsumerGroup = ""
	assert.Error(t, cfg.Validate())
}
