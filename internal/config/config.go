package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the daemon. It is constructed once by
// the bootstrap shell and passed into the core components; the core never
// reads the environment itself.
type Config struct {
	// Ingest
	WatchDir  string `yaml:"watch_dir"`
	QueuePath string `yaml:"queue_path"`

	// Remote store
	MongoURI        string `yaml:"mongo_uri"`
	MongoDatabase   string `yaml:"mongo_database"`
	MongoCollection string `yaml:"mongo_collection"`

	// Sync engine
	SyncIntervalSeconds    int `yaml:"sync_interval_seconds"`
	SyncBatchSize          int `yaml:"sync_batch_size"`
	RetentionDays          int `yaml:"retention_days"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
	ConnectTimeoutSeconds  int `yaml:"connect_timeout_seconds"`

	// Tailer
	DebounceMs int `yaml:"debounce_ms"`

	// Health endpoint
	HTTPAddr string `yaml:"http_addr"`

	// Observability
	LogLevel        string `yaml:"log_level"`
	LogFile         string `yaml:"log_file"`
	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
	TracingProtocol string `yaml:"tracing_protocol"`
}

// Load builds the configuration from defaults, an optional YAML file
// named by CONVOSYNC_CONFIG, and environment variable overrides, in that
// precedence order.
func Load() (*Config, error) {
	cfg := &Config{
		QueuePath:              "convosync.db",
		MongoURI:               "mongodb://localhost:27017",
		MongoDatabase:          "convosync",
		MongoCollection:        "conversations",
		SyncIntervalSeconds:    5,
		SyncBatchSize:          100,
		RetentionDays:          7,
		CleanupIntervalMinutes: 60,
		ConnectTimeoutSeconds:  5,
		DebounceMs:             500,
		HTTPAddr:               ":8600",
		LogLevel:               "info",
		TracingProtocol:        "grpc",
	}

	if path := os.Getenv("CONVOSYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.WatchDir = getEnv("WATCH_DIR", cfg.WatchDir)
	cfg.QueuePath = getEnv("QUEUE_PATH", cfg.QueuePath)
	cfg.MongoURI = getEnv("MONGO_URI", cfg.MongoURI)
	cfg.MongoDatabase = getEnv("MONGO_DB", cfg.MongoDatabase)
	cfg.MongoCollection = getEnv("MONGO_COLLECTION", cfg.MongoCollection)
	cfg.SyncIntervalSeconds = getEnvInt("SYNC_INTERVAL_SECONDS", cfg.SyncIntervalSeconds)
	cfg.SyncBatchSize = getEnvInt("SYNC_BATCH_SIZE", cfg.SyncBatchSize)
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.CleanupIntervalMinutes = getEnvInt("CLEANUP_INTERVAL_MINUTES", cfg.CleanupIntervalMinutes)
	cfg.ConnectTimeoutSeconds = getEnvInt("CONNECT_TIMEOUT_SECONDS", cfg.ConnectTimeoutSeconds)
	cfg.DebounceMs = getEnvInt("DEBOUNCE_MS", cfg.DebounceMs)
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.TracingEnabled = getEnvBool("TRACING_ENABLED", cfg.TracingEnabled)
	cfg.TracingEndpoint = getEnv("TRACING_ENDPOINT", cfg.TracingEndpoint)
	cfg.TracingProtocol = getEnv("TRACING_PROTOCOL", cfg.TracingProtocol)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.WatchDir == "" {
		return fmt.Errorf("WATCH_DIR is required")
	}
	if c.QueuePath == "" {
		return fmt.Errorf("QUEUE_PATH is required")
	}
	if c.MongoURI == "" {
		return fmt.Errorf("MONGO_URI is required")
	}
	if c.MongoDatabase == "" || c.MongoCollection == "" {
		return fmt.Errorf("MONGO_DB and MONGO_COLLECTION are required")
	}
	if c.SyncIntervalSeconds < 1 {
		return fmt.Errorf("SYNC_INTERVAL_SECONDS must be at least 1")
	}
	if c.SyncBatchSize < 1 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be at least 1")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be at least 1")
	}
	if c.TracingProtocol != "grpc" && c.TracingProtocol != "http" {
		return fmt.Errorf("TRACING_PROTOCOL must be 'grpc' or 'http'")
	}
	return nil
}

// SyncInterval returns the sync interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// Retention returns the cleanup retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// CleanupInterval returns the retention sweep interval as a duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

// ConnectTimeout returns the remote connect timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// Debounce returns the tailer quiet period as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
