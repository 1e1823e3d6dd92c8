package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wisefido-pv-ingest/common/config"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 光伏数据采集服务配置
type Config struct {
	HTTP     HTTPConfig            `yaml:"http"`
	Database config.DatabaseConfig `yaml:"database"`
	Redis    config.RedisConfig    `yaml:"redis"`
	MQTT     config.MQTTConfig     `yaml:"mqtt"`

	// 采集管道配置
	Ingest IngestConfig `yaml:"ingest"`

	// 可选的入口：MQTT 主题 / Redis Streams
	Consumers struct {
		MQTT   MQTTIngressConfig   `yaml:"mqtt"`
		Stream StreamIngressConfig `yaml:"stream"`
	} `yaml:"consumers"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Addr               string   `yaml:"addr"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// IngestConfig 队列与刷写参数
type IngestConfig struct {
	QueueMax        int           `yaml:"queue_max"`        // 队列容量
	BatchSize       int           `yaml:"batch_size"`       // 单批最大条数
	FlushInterval   time.Duration `yaml:"flush_interval"`   // 队列为空时的等待间隔
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 单批写入超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // 停止时等待写入完成的时间
	AutoMigrate     bool          `yaml:"auto_migrate"`     // 启动时创建 pv_readings（如不存在）
}

// MQTTIngressConfig MQTT 入口
type MQTTIngressConfig struct {
	Enabled bool   `yaml:"enabled"`
	Topic   string `yaml:"topic"` // 如 "pv/+/telemetry"
}

// StreamIngressConfig Redis Streams 入口
type StreamIngressConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Stream        string `yaml:"stream"`         // 如 "pv:readings:stream"
	ConsumerGroup string `yaml:"consumer_group"` // 消费者组名称
	ConsumerName  string `yaml:"consumer_name"`  // 消费者名称
	BatchSize     int64  `yaml:"batch_size"`     // 单次读取条数
}

// Load 加载配置
// 顺序：.env（可选）-> CONFIG_FILE 指定的 YAML（可选）-> 环境变量覆盖
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}

	cfg.HTTP.Addr = ":8000"
	cfg.HTTP.CORSAllowedOrigins = []string{"*"}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "iot_pv"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 100
	cfg.Database.MaxIdle = 10
	cfg.Database.ConnectTimeout = 10 * time.Second
	cfg.Database.ServerSettings = map[string]string{"jit": "off"}

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "wisefido-pv-ingest"
	cfg.MQTT.QoS = 1

	cfg.Ingest.QueueMax = 5000
	cfg.Ingest.BatchSize = 1000
	cfg.Ingest.FlushInterval = 20 * time.Millisecond
	cfg.Ingest.WriteTimeout = 30 * time.Second
	cfg.Ingest.ShutdownTimeout = 10 * time.Second

	cfg.Consumers.MQTT.Topic = "pv/+/telemetry"
	cfg.Consumers.Stream.Stream = "pv:readings:stream"
	cfg.Consumers.Stream.ConsumerGroup = "pv-ingest-group"
	cfg.Consumers.Stream.ConsumerName = "pv-ingest-1"
	cfg.Consumers.Stream.BatchSize = 100

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"

	return cfg
}

func applyEnvOverrides(cfg *Config) error {
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.CORSAllowedOrigins = splitList(v)
	}

	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")

	var err error
	if cfg.Ingest.QueueMax, err = getEnvInt("QUEUE_MAX", cfg.Ingest.QueueMax); err != nil {
		return err
	}
	if cfg.Ingest.BatchSize, err = getEnvInt("BATCH_SIZE", cfg.Ingest.BatchSize); err != nil {
		return err
	}
	if cfg.Ingest.FlushInterval, err = getEnvDuration("FLUSH_INTERVAL", cfg.Ingest.FlushInterval); err != nil {
		return err
	}
	if cfg.Ingest.WriteTimeout, err = getEnvDuration("WRITE_TIMEOUT", cfg.Ingest.WriteTimeout); err != nil {
		return err
	}
	if cfg.Ingest.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.Ingest.ShutdownTimeout); err != nil {
		return err
	}

	if cfg.Ingest.AutoMigrate, err = getEnvBool("DB_AUTO_MIGRATE", cfg.Ingest.AutoMigrate); err != nil {
		return err
	}

	if cfg.Consumers.MQTT.Enabled, err = getEnvBool("MQTT_ENABLED", cfg.Consumers.MQTT.Enabled); err != nil {
		return err
	}
	cfg.Consumers.MQTT.Topic = getEnv("MQTT_TOPIC", cfg.Consumers.MQTT.Topic)

	if cfg.Consumers.Stream.Enabled, err = getEnvBool("STREAM_ENABLED", cfg.Consumers.Stream.Enabled); err != nil {
		return err
	}
	cfg.Consumers.Stream.Stream = getEnv("STREAM_READINGS", cfg.Consumers.Stream.Stream)
	cfg.Consumers.Stream.ConsumerGroup = getEnv("CONSUMER_GROUP", cfg.Consumers.Stream.ConsumerGroup)
	cfg.Consumers.Stream.ConsumerName = getEnv("CONSUMER_NAME", cfg.Consumers.Stream.ConsumerName)
	batch, err := getEnvInt("STREAM_BATCH_SIZE", int(cfg.Consumers.Stream.BatchSize))
	if err != nil {
		return err
	}
	cfg.Consumers.Stream.BatchSize = int64(batch)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var problems []string

	if c.Ingest.QueueMax <= 0 {
		problems = append(problems, "QUEUE_MAX must be positive")
	}
	if c.Ingest.BatchSize <= 0 {
		problems = append(problems, "BATCH_SIZE must be positive")
	}
	if c.Ingest.FlushInterval <= 0 {
		problems = append(problems, "FLUSH_INTERVAL must be positive")
	}
	if c.Ingest.WriteTimeout <= 0 {
		problems = append(problems, "WRITE_TIMEOUT must be positive")
	}
	if c.Ingest.ShutdownTimeout < 0 {
		problems = append(problems, "SHUTDOWN_TIMEOUT must not be negative")
	}
	if c.Database.MaxConns <= 0 {
		problems = append(problems, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MaxIdle < 0 || c.Database.MaxIdle > c.Database.MaxConns {
		problems = append(problems, "DB_MIN_CONNS must be between 0 and DB_MAX_CONNS")
	}
	if c.Consumers.MQTT.Enabled && c.Consumers.MQTT.Topic == "" {
		problems = append(problems, "MQTT_TOPIC is required when MQTT_ENABLED is set")
	}
	if c.Consumers.Stream.Enabled {
		if c.Consumers.Stream.Stream == "" || c.Consumers.Stream.ConsumerGroup == "" || c.Consumers.Stream.ConsumerName == "" {
			problems = append(problems, "STREAM_READINGS, CONSUMER_GROUP and CONSUMER_NAME are required when STREAM_ENABLED is set")
		}
		if c.Consumers.Stream.BatchSize <= 0 {
			problems = append(problems, "STREAM_BATCH_SIZE must be positive")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return b, nil
}

// getEnvDuration 接受 Go 时长（"20ms"）或秒数（"0.02"）
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: expected duration like 20ms or seconds", key, value)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
