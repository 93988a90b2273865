// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mcclellann/payAdvance/pkg/store"
)

// Config holds all configuration for the API and the migration tool.
type Config struct {
	Port           string
	DBDriver       string
	DatabaseURL    string
	MigrateOnStart bool
	LogLevel       string

	JWTSecret string

	AuthzPolicyFile       string
	EmployeeDirectoryFile string

	RedisAddr    string
	RedisChannel string

	RateLimitRPS   float64
	RateLimitBurst int

	SlowQuery time.Duration
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using system environment variables")
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		DBDriver:       getEnv("DB_DRIVER", store.DriverSQLite),
		DatabaseURL:    getEnv("DATABASE_URL", "payadvance.db"),
		MigrateOnStart: getEnvAsBool("MIGRATE_ON_START", true),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		AuthzPolicyFile:       getEnv("AUTHZ_POLICY_FILE", ""),
		EmployeeDirectoryFile: getEnv("EMPLOYEE_DIRECTORY_FILE", ""),

		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RedisChannel: getEnv("REDIS_CHANNEL", "loan-events"),

		RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 40),

		SlowQuery: time.Duration(getEnvAsInt("SLOW_QUERY_MS", 200)) * time.Millisecond,
	}
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case store.DriverSQLite, store.DriverPostgres, store.DriverPGX:
	default:
		return fmt.Errorf("config: unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL is required")
	}
	if c.Port == "" {
		return errors.New("config: PORT is required")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_RPS must be positive, got %v", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_BURST must be positive, got %d", c.RateLimitBurst)
	}
	if c.SlowQuery < 0 {
		return errors.New("config: SLOW_QUERY_MS must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// StoreConfig returns the store settings derived from c.
func (c *Config) StoreConfig(logger *slog.Logger) store.Config {
	return store.Config{
		Driver:    c.DBDriver,
		DSN:       c.DatabaseURL,
		SlowQuery: c.SlowQuery,
		Logger:    logger,
	}
}

// ParseLevel maps debug, info, warn and error onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown LOG_LEVEL %q", s)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
