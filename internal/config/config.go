// Package config loads service configuration from an optional YAML file
// overlaid by environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"identityrecon/internal/database"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds every tunable of the identify service.
type Config struct {
	Port      int
	LogLevel  slog.Level
	LogFormat string

	// DatabaseDriver is either sqlite3 or postgres.
	DatabaseDriver string
	DatabaseURL    string

	// RedisURL enables the distributed identifier lock when set.
	RedisURL string
	LockTTL  time.Duration
	LockWait time.Duration

	IdentifyMaxRetries int

	KafkaBrokers []string
	KafkaTopic   string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	ShutdownTimeout  time.Duration

	rawLogLevel string
}

// fileConfig mirrors Config for YAML decoding; durations are strings.
type fileConfig struct {
	Port               int      `yaml:"port"`
	LogLevel           string   `yaml:"log_level"`
	LogFormat          string   `yaml:"log_format"`
	DatabaseDriver     string   `yaml:"database_driver"`
	DatabaseURL        string   `yaml:"database_url"`
	RedisURL           string   `yaml:"redis_url"`
	LockTTL            string   `yaml:"lock_ttl"`
	LockWait           string   `yaml:"lock_wait"`
	IdentifyMaxRetries *int     `yaml:"identify_max_retries"`
	KafkaBrokers       []string `yaml:"kafka_brokers"`
	KafkaTopic         string   `yaml:"kafka_topic"`
	HTTPReadTimeout    string   `yaml:"http_read_timeout"`
	HTTPWriteTimeout   string   `yaml:"http_write_timeout"`
	HTTPIdleTimeout    string   `yaml:"http_idle_timeout"`
	ShutdownTimeout    string   `yaml:"shutdown_timeout"`
}

func defaults() *Config {
	return &Config{
		Port:               8080,
		LogFormat:          "json",
		rawLogLevel:        "info",
		DatabaseDriver:     database.DriverSQLite,
		DatabaseURL:        "./contacts.db",
		LockTTL:            10 * time.Second,
		LockWait:           5 * time.Second,
		IdentifyMaxRetries: 3,
		KafkaTopic:         "identity-events",
		HTTPReadTimeout:    15 * time.Second,
		HTTPWriteTimeout:   30 * time.Second,
		HTTPIdleTimeout:    120 * time.Second,
		ShutdownTimeout:    10 * time.Second,
	}
}

// Load builds the configuration. Values come from defaults, then the YAML
// file named by IDENTITY_CONFIG_FILE (if any), then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("IDENTITY_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("IDENTITY_CONFIG_FILE: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if fc.Port != 0 {
		c.Port = fc.Port
	}
	setString(&c.rawLogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	setString(&c.DatabaseDriver, fc.DatabaseDriver)
	setString(&c.DatabaseURL, fc.DatabaseURL)
	setString(&c.RedisURL, fc.RedisURL)
	setString(&c.KafkaTopic, fc.KafkaTopic)
	if len(fc.KafkaBrokers) > 0 {
		c.KafkaBrokers = fc.KafkaBrokers
	}
	if fc.IdentifyMaxRetries != nil {
		c.IdentifyMaxRetries = *fc.IdentifyMaxRetries
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"lock_ttl", fc.LockTTL, &c.LockTTL},
		{"lock_wait", fc.LockWait, &c.LockWait},
		{"http_read_timeout", fc.HTTPReadTimeout, &c.HTTPReadTimeout},
		{"http_write_timeout", fc.HTTPWriteTimeout, &c.HTTPWriteTimeout},
		{"http_idle_timeout", fc.HTTPIdleTimeout, &c.HTTPIdleTimeout},
		{"shutdown_timeout", fc.ShutdownTimeout, &c.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.name, d.raw)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	if c.Port, err = getEnvInt("PORT", c.Port); err != nil {
		return fmt.Errorf("PORT: %w", err)
	}
	c.rawLogLevel = getEnvDefault("LOG_LEVEL", c.rawLogLevel)
	c.LogFormat = getEnvDefault("LOG_FORMAT", c.LogFormat)
	c.DatabaseDriver = getEnvDefault("DATABASE_DRIVER", c.DatabaseDriver)
	c.DatabaseURL = getEnvDefault("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnvDefault("REDIS_URL", c.RedisURL)
	c.KafkaTopic = getEnvDefault("KAFKA_TOPIC", c.KafkaTopic)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.KafkaBrokers = splitList(brokers)
	}

	if c.IdentifyMaxRetries, err = getEnvInt("IDENTIFY_MAX_RETRIES", c.IdentifyMaxRetries); err != nil {
		return fmt.Errorf("IDENTIFY_MAX_RETRIES: %w", err)
	}
	if c.LockTTL, err = getEnvDuration("LOCK_TTL", c.LockTTL); err != nil {
		return fmt.Errorf("LOCK_TTL: %w", err)
	}
	if c.LockWait, err = getEnvDuration("LOCK_WAIT", c.LockWait); err != nil {
		return fmt.Errorf("LOCK_WAIT: %w", err)
	}
	if c.HTTPReadTimeout, err = getEnvDuration("HTTP_READ_TIMEOUT", c.HTTPReadTimeout); err != nil {
		return fmt.Errorf("HTTP_READ_TIMEOUT: %w", err)
	}
	if c.HTTPWriteTimeout, err = getEnvDuration("HTTP_WRITE_TIMEOUT", c.HTTPWriteTimeout); err != nil {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT: %w", err)
	}
	if c.HTTPIdleTimeout, err = getEnvDuration("HTTP_IDLE_TIMEOUT", c.HTTPIdleTimeout); err != nil {
		return fmt.Errorf("HTTP_IDLE_TIMEOUT: %w", err)
	}
	if c.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout); err != nil {
		return fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	var err error
	if c.LogLevel, err = parseLogLevel(c.rawLogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT: invalid format %q, allowed: json, text", c.LogFormat)
	}
	if c.DatabaseDriver != database.DriverSQLite && c.DatabaseDriver != database.DriverPostgres {
		return fmt.Errorf("DATABASE_DRIVER: invalid driver %q, allowed: %s, %s", c.DatabaseDriver, database.DriverSQLite, database.DriverPostgres)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL: must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT: out of range: %d", c.Port)
	}
	if c.IdentifyMaxRetries < 0 {
		return fmt.Errorf("IDENTIFY_MAX_RETRIES: must be >= 0")
	}
	if c.LockTTL <= 0 || c.LockWait <= 0 {
		return fmt.Errorf("LOCK_TTL and LOCK_WAIT must be > 0")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// SetupLogger configures the process-wide slog logger from the configuration.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %q", val)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %q (use Go format: 30s, 1h, 15m)", val)
	}
	return d, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid level %q, allowed: debug, info, warn, error", level)
	}
}
