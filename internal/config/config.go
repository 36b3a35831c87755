package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/drsammd/safeplay-staging-sub008/common/config"
)

// 状态存储后端
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config 位置追踪服务配置
type Config struct {
	HTTP struct {
		Addr string // 监听地址，如 ":8090"
	}

	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 追踪核心配置
	Tracking struct {
		StateBackend     string // memory | redis
		DebounceWindow   time.Duration
		HysteresisMargin float64
		StaleAfter       time.Duration // 0 表示关闭
		HistoryLimit     int
		SnapshotTTL      time.Duration
	}

	// 写后持久化（PostgreSQL）
	Persist struct {
		Enabled       bool
		QueueSize     int
		BatchSize     int
		FlushInterval time.Duration
	}

	// 扫码网关 Redis Streams 输入
	Stream struct {
		Enabled       bool
		Input         string // 如 "tracking:observations"
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int64
		MaxDeliveries int64 // 可重试失败的最大投递次数
	}

	// 摄像头识别 MQTT 输入
	Recognition struct {
		Enabled        bool
		Topic          string // 如 "safeplay/cameras/+/recognition"
		PlacementTopic string // 摄像头位置变更通知，空表示不订阅
	}

	// 场馆管理服务（摄像头目录）
	Directory struct {
		BaseURL  string
		Timeout  time.Duration
		CacheTTL time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置：先读取可选的 .env 文件，再读取环境变量
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "safeplay",
		SSLMode:  "disable",
		MaxConns: 10,
		MaxIdle:  5,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = config.MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "safeplay-tracking",
		QoS:      1,
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Tracking.StateBackend = strings.ToLower(getEnv("TRACKING_STATE_BACKEND", BackendMemory))
	cfg.Tracking.DebounceWindow = time.Duration(getEnvInt("TRACKING_DEBOUNCE_MS", 2000)) * time.Millisecond
	cfg.Tracking.HysteresisMargin = getEnvFloat("TRACKING_HYSTERESIS", 0.05)
	cfg.Tracking.StaleAfter = time.Duration(getEnvInt("TRACKING_STALE_AFTER_SEC", 0)) * time.Second
	cfg.Tracking.HistoryLimit = getEnvInt("TRACKING_HISTORY_LIMIT", 50)
	cfg.Tracking.SnapshotTTL = time.Duration(getEnvInt("TRACKING_SNAPSHOT_TTL_MS", 2000)) * time.Millisecond

	cfg.Persist.Enabled = getEnvBool("PERSIST_ENABLED", false)
	cfg.Persist.QueueSize = getEnvInt("PERSIST_QUEUE_SIZE", 1024)
	cfg.Persist.BatchSize = getEnvInt("PERSIST_BATCH_SIZE", 100)
	cfg.Persist.FlushInterval = time.Duration(getEnvInt("PERSIST_FLUSH_INTERVAL_MS", 1000)) * time.Millisecond

	cfg.Stream.Enabled = getEnvBool("STREAM_ENABLED", false)
	cfg.Stream.Input = getEnv("STREAM_INPUT", "tracking:observations")
	cfg.Stream.ConsumerGroup = getEnv("CONSUMER_GROUP", "safeplay-tracking-group")
	cfg.Stream.ConsumerName = getEnv("CONSUMER_NAME", "safeplay-tracking-1")
	cfg.Stream.BatchSize = 10
	cfg.Stream.MaxDeliveries = int64(getEnvInt("STREAM_MAX_DELIVERIES", 5))

	cfg.Recognition.Enabled = getEnvBool("MQTT_ENABLED", false)
	cfg.Recognition.Topic = getEnv("MQTT_RECOGNITION_TOPIC", "safeplay/cameras/+/recognition")
	cfg.Recognition.PlacementTopic = getEnv("MQTT_PLACEMENT_TOPIC", "safeplay/cameras/+/placement")

	cfg.Directory.BaseURL = getEnv("DIRECTORY_BASE_URL", "http://localhost:8080")
	cfg.Directory.Timeout = time.Duration(getEnvInt("DIRECTORY_TIMEOUT_MS", 3000)) * time.Millisecond
	cfg.Directory.CacheTTL = time.Duration(getEnvInt("DIRECTORY_CACHE_TTL_SEC", 300)) * time.Second

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Tracking.StateBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("invalid TRACKING_STATE_BACKEND %q (want memory or redis)", c.Tracking.StateBackend)
	}
	if c.Tracking.DebounceWindow < 0 {
		return fmt.Errorf("TRACKING_DEBOUNCE_MS must not be negative")
	}
	if c.Tracking.HysteresisMargin < 0 || c.Tracking.HysteresisMargin > 1 {
		return fmt.Errorf("TRACKING_HYSTERESIS must be within [0,1], got %v", c.Tracking.HysteresisMargin)
	}
	if c.Tracking.StaleAfter < 0 {
		return fmt.Errorf("TRACKING_STALE_AFTER_SEC must not be negative")
	}
	if c.Tracking.HistoryLimit <= 0 {
		return fmt.Errorf("TRACKING_HISTORY_LIMIT must be positive")
	}
	if c.Persist.Enabled && (c.Persist.QueueSize <= 0 || c.Persist.BatchSize <= 0) {
		return fmt.Errorf("PERSIST_QUEUE_SIZE and PERSIST_BATCH_SIZE must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}
