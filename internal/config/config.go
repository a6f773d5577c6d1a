package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration
type Config struct {
	// Admin server configuration
	Port string

	// Database configuration
	DBType            string // mysql, postgres, sqlite, sqlserver, etc.
	DBHost            string
	DBPort            string
	DBDatabase        string
	DBUser            string
	DBPassword        string
	DBConnectionLimit int

	// Worker pool configuration
	PoolSize             int
	PoolMaxSize          int
	PoolTimeoutThreshold time.Duration

	// Core timing configuration
	BatchWriterFlushInterval time.Duration
	SchedulerTickInterval    time.Duration

	// Timezone for exposing datetime values to callers
	DefaultTimezone string
	Location        *time.Location

	// Logging configuration
	LogDir   string
	LogLevel string
	Dev      bool
}

// Load loads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", "3000"),
		DBType:                   getEnv("DB_TYPE", "sqlite"),
		DBHost:                   getEnv("DB_HOST", "localhost"),
		DBPort:                   getEnv("DB_PORT", "3306"),
		DBDatabase:               getEnv("DB_DATABASE", ""),
		DBUser:                   getEnv("DB_USER", ""),
		DBPassword:               getEnv("DB_PASSWORD", ""),
		DBConnectionLimit:        getEnvAsInt("DB_CONNECTION_LIMIT", 5),
		PoolSize:                 getEnvAsInt("POOL_SIZE", 4),
		PoolMaxSize:              getEnvAsInt("POOL_MAX_SIZE", 0),
		PoolTimeoutThreshold:     getEnvAsDuration("POOL_TIMEOUT_THRESHOLD", 5*time.Second),
		BatchWriterFlushInterval: getEnvAsDuration("BATCH_WRITER_FLUSH_INTERVAL", 500*time.Millisecond),
		SchedulerTickInterval:    getEnvAsDuration("SCHEDULER_TICK_INTERVAL", time.Second),
		DefaultTimezone:          getEnv("DEFAULT_TIMEZONE", "UTC"),
		LogDir:                   getEnv("LOG_DIR", "logs"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		Dev:                      getEnv("DEV", "") != "",
	}

	// Validate required fields
	if cfg.DBDatabase == "" {
		return nil, fmt.Errorf("DB_DATABASE is required")
	}
	if cfg.DBType != "sqlite" && cfg.DBUser == "" {
		return nil, fmt.Errorf("DB_USER is required for %s", cfg.DBType)
	}
	if cfg.PoolSize < 1 {
		return nil, fmt.Errorf("POOL_SIZE must be at least 1")
	}
	if cfg.PoolMaxSize == 0 {
		cfg.PoolMaxSize = cfg.PoolSize * 4
	}
	if cfg.PoolMaxSize < cfg.PoolSize {
		return nil, fmt.Errorf("POOL_MAX_SIZE must not be below POOL_SIZE")
	}

	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_TIMEZONE %q: %w", cfg.DefaultTimezone, err)
	}
	cfg.Location = loc

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration. Bare
// numbers are taken as milliseconds for compatibility with older configs.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
