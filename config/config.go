/*
Package config loads runtime settings.

ORDER OF PRECEDENCE (lowest first):
  1. Defaults below
  2. .env file in the working directory (if present)
  3. Process environment
  4. YAML file named by CONFIG_FILE (if set)
  5. Command-line flags in cmd/server

EXAMPLE YAML:
  server:
    port: "9090"
  scheduler:
    enabled: true
    interval: 30m
  rate_limit:
    rps: 20
    burst: 40
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config aggregates all runtime settings.
type Config struct {
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Database    DatabaseConfig  `yaml:"database"`
	Logger      LoggerConfig    `yaml:"logger"`
	Redis       RedisConfig     `yaml:"redis"`
	Catalog     CatalogConfig   `yaml:"catalog"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggerConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// RedisConfig enables the Redis stream publisher when URL is set.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

// CatalogConfig names an obligation catalog (JSON or YAML) seeded on boot.
type CatalogConfig struct {
	File string `yaml:"file"`
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// RateLimitConfig is per client. RPS <= 0 disables limiting.
// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP;
// enable it only behind a reverse proxy that sets those headers.
type RateLimitConfig struct {
	RPS        float64 `yaml:"rps"`
	Burst      int     `yaml:"burst"`
	TrustProxy bool    `yaml:"trust_proxy"`
}

// Load reads configuration from the environment (optionally .env) and the
// optional YAML overlay, applying defaults so the service boots anywhere.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getString("APP_ENV", "development"),
		Server: ServerConfig{
			Port:            getString("SERVER_PORT", "8080"),
			CORSOrigins:     splitCSV(getString("CORS_ORIGINS", "*")),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Path: getString("DB_PATH", "./data/billing.db"),
		},
		Logger: LoggerConfig{
			Level:    getString("LOG_LEVEL", "info"),
			Encoding: getString("LOG_ENCODING", "json"),
		},
		Redis: RedisConfig{
			URL:    os.Getenv("REDIS_URL"),
			Stream: getString("REDIS_STREAM", "billing.events"),
		},
		Catalog: CatalogConfig{
			File: os.Getenv("CATALOG_FILE"),
		},
		Scheduler: SchedulerConfig{
			Enabled:  getBool("SCHEDULER_ENABLED", false),
			Interval: getDuration("SCHEDULER_INTERVAL", time.Hour),
		},
		RateLimit: RateLimitConfig{
			RPS:        getFloat("RATE_LIMIT_RPS", 10),
			Burst:      getInt("RATE_LIMIT_BURST", 20),
			TrustProxy: getBool("RATE_LIMIT_TRUST_PROXY", false),
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad panics if configuration cannot be loaded.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("config: server port required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: database path required")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("config: scheduler interval must be positive, got %s", c.Scheduler.Interval)
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("config: rate limit burst must be positive when rps is set")
	}
	return nil
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitCSV(value string) []string {
	var result []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
