// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the echo server.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// HTTPDisabled turns the admin HTTP listener off when used as HTTPAddr.
const HTTPDisabled = "off"

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// RetryConfig defines how a timed out write is retried.
type RetryConfig struct {
	Interval time.Duration
	Attempts int
}

// Config holds the server configuration settings.
type Config struct {
	Port                    string        `env:"SERVER_PORT" default:":1234"`
	HeartbeatPeriod         time.Duration `env:"HEARTBEAT_PERIOD" default:"1s"`
	Transform               string        `env:"ECHO_TRANSFORM" default:"upper"`
	MaxMessageSize          int           `env:"MAX_MESSAGE_SIZE" default:"4096"`
	WriteTimeout            time.Duration `env:"WRITE_TIMEOUT" default:"10s"`
	WriteRetryInterval      time.Duration `env:"WRITE_RETRY_INTERVAL" default:"1s"`
	WriteRetryAttempts      int           `env:"WRITE_RETRY_ATTEMPTS" default:"2"`
	BroadcastConcurrency    int           `env:"BROADCAST_CONCURRENCY" default:"64"`
	SendQueueSize           int           `env:"SEND_QUEUE_SIZE" default:"256"`
	RateLimitBurst          int           `env:"RATE_LIMIT_BURST" default:"50"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" default:"1s"`
	StartupTimeout          time.Duration `env:"STARTUP_TIMEOUT" default:"10s"`
	ShutdownTimeout         time.Duration `env:"SHUTDOWN_TIMEOUT" default:"5s"`
	HTTPAddr                string        `env:"HTTP_ADDR" default:":8080"`
	AllowedOrigins          string        `env:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	LogLevel                string        `env:"LOG_LEVEL" default:"info"`
	LogFormat               string        `env:"LOG_FORMAT" default:"text"`
}

func defaultConfig() Config {
	return Config{
		Port:                    ":1234",
		HeartbeatPeriod:         time.Second,
		Transform:               TransformUpper,
		MaxMessageSize:          4096,
		WriteTimeout:            10 * time.Second,
		WriteRetryInterval:      time.Second,
		WriteRetryAttempts:      2,
		BroadcastConcurrency:    64,
		SendQueueSize:           256,
		RateLimitBurst:          50,
		RateLimitRefillInterval: time.Second,
		StartupTimeout:          10 * time.Second,
		ShutdownTimeout:         5 * time.Second,
		HTTPAddr:                ":8080",
		AllowedOrigins:          "http://localhost:8080",
		LogLevel:                "info",
		LogFormat:               "text",
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = def.HeartbeatPeriod
	}

	cfg.Transform = strings.ToLower(strings.TrimSpace(cfg.Transform))
	if _, ok := transforms[cfg.Transform]; !ok {
		cfg.Transform = def.Transform
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	if cfg.WriteRetryInterval <= 0 {
		cfg.WriteRetryInterval = def.WriteRetryInterval
	}

	if cfg.WriteRetryAttempts < 0 {
		cfg.WriteRetryAttempts = def.WriteRetryAttempts
	}

	if cfg.BroadcastConcurrency <= 0 {
		cfg.BroadcastConcurrency = def.BroadcastConcurrency
	}

	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}

	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = def.RateLimitBurst
	}

	if cfg.RateLimitRefillInterval <= 0 {
		cfg.RateLimitRefillInterval = def.RateLimitRefillInterval
	}

	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	cfg.HTTPAddr = strings.TrimSpace(cfg.HTTPAddr)
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = HTTPDisabled
	}

	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig reads an optional .env file, then the process environment, and
// returns a sanitized Config.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}

// Origins returns the configured WebSocket origins as a trimmed list.
func (c *Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

// HTTPEnabled reports whether the admin HTTP listener should be started.
func (c *Config) HTTPEnabled() bool {
	return c.HTTPAddr != "" && !strings.EqualFold(c.HTTPAddr, HTTPDisabled)
}

// RateLimit returns the per-connection inbound rate limit settings.
func (c *Config) RateLimit() RateLimitConfig {
	return RateLimitConfig{Burst: c.RateLimitBurst, RefillInterval: c.RateLimitRefillInterval}
}

// Retry returns the write retry settings.
func (c *Config) Retry() RetryConfig {
	return RetryConfig{Interval: c.WriteRetryInterval, Attempts: c.WriteRetryAttempts}
}

func (c *Config) connectionOptions() connectionOptions {
	return connectionOptions{writeTimeout: c.WriteTimeout, retry: c.Retry(), queueSize: c.SendQueueSize}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
