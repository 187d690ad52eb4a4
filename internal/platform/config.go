package platform

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr     string `env:"REALTIME_ADDR" envDefault:":3100"`
	Channels string `env:"REALTIME_CHANNELS" envDefault:"notifications,tracking,collaboration"`

	// NATS notification bus (empty disables the bus ingest)
	NATSURL string `env:"NATS_URL" envDefault:""`

	// Capacity
	MaxConnections int `env:"REALTIME_MAX_CONNECTIONS" envDefault:"10000"`

	// Heartbeat
	PingInterval  time.Duration `env:"REALTIME_PING_INTERVAL" envDefault:"30s"`
	SweepInterval time.Duration `env:"REALTIME_SWEEP_INTERVAL" envDefault:"60s"`

	// Connection rate limiting (DoS protection)
	ConnRateLimitEnabled     bool    `env:"REALTIME_CONN_RATE_LIMIT" envDefault:"true"`
	ConnRateLimitIPBurst     int     `env:"REALTIME_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"REALTIME_CONN_RATE_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"REALTIME_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"REALTIME_CONN_RATE_GLOBAL_RATE" envDefault:"50.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production containers set env vars
	// directly, so a missing file is not an error.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("REALTIME_ADDR is required")
	}
	if len(c.ChannelList()) == 0 {
		return fmt.Errorf("REALTIME_CHANNELS must name at least one channel")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("REALTIME_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("REALTIME_PING_INTERVAL must be positive, got %s", c.PingInterval)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("REALTIME_SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// ChannelList parses the comma-separated channel names.
func (c *Config) ChannelList() []string {
	result := []string{}
	for _, ch := range strings.Split(c.Channels, ",") {
		trimmed := strings.TrimSpace(ch)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Strs("channels", c.ChannelList()).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Dur("ping_interval", c.PingInterval).
		Dur("sweep_interval", c.SweepInterval).
		Bool("conn_rate_limit", c.ConnRateLimitEnabled).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
