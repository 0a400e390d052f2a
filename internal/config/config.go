package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all relay configuration.
//
// Priority: CLI flags > environment variables > .env file > defaults.
// The flag layer is applied by the caller after Load.
type Config struct {
	// Server basics
	Port int `env:"FANOUT_PORT" envDefault:"1986"`

	// Admission
	ClientLimit int `env:"FANOUT_CLIENT_LIMIT" envDefault:"0"` // 0 = derive from fd budget

	// Accept-path rate limiting (0 disables)
	AcceptRate  float64 `env:"FANOUT_ACCEPT_RATE" envDefault:"0"`
	AcceptBurst int     `env:"FANOUT_ACCEPT_BURST" envDefault:"0"`

	// Process management
	Daemon  bool   `env:"FANOUT_DAEMON" envDefault:"false"`
	PidFile string `env:"FANOUT_PIDFILE"`
	RunAs   string `env:"FANOUT_RUN_AS"` // USER[:GROUP], applied after bind

	// Logging
	LogFile      string `env:"FANOUT_LOGFILE"`
	MaxLogSizeMB int    `env:"FANOUT_MAX_LOGFILE_SIZE" envDefault:"0"` // MiB; 0 = unbounded
	DebugLevel   int    `env:"FANOUT_DEBUG_LEVEL" envDefault:"1"`      // 0=error 1=warn 2=info 3=debug

	// Ops endpoint (metrics, health, websocket gateway); empty disables
	OpsAddr string `env:"FANOUT_OPS_ADDR"`

	// NATS ingest bridge; empty disables
	NATSURL    string `env:"FANOUT_NATS_URL"`
	NATSPrefix string `env:"FANOUT_NATS_PREFIX" envDefault:"fanout."`
}

// Load reads configuration from an optional .env file and the environment.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be 0-65535, got %d", c.Port)
	}
	if c.ClientLimit < 0 {
		return fmt.Errorf("client-limit must be >= 0, got %d", c.ClientLimit)
	}
	if c.DebugLevel < 0 || c.DebugLevel > 3 {
		return fmt.Errorf("debug-level must be 0-3, got %d", c.DebugLevel)
	}
	if c.MaxLogSizeMB < 0 {
		return fmt.Errorf("max-logfile-size must be >= 0, got %d", c.MaxLogSizeMB)
	}
	if c.AcceptRate < 0 || c.AcceptBurst < 0 {
		return fmt.Errorf("accept-rate and accept-burst must be >= 0")
	}
	if c.RunAs != "" {
		if name, _, _ := strings.Cut(c.RunAs, ":"); name == "" {
			return fmt.Errorf("run-as must be USER[:GROUP], got %q", c.RunAs)
		}
	}
	if c.NATSURL != "" && c.NATSPrefix == "" {
		return fmt.Errorf("nats-prefix must be set when nats-url is")
	}
	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("port", c.Port).
		Int("client_limit", c.ClientLimit).
		Bool("daemon", c.Daemon).
		Str("logfile", c.LogFile).
		Int("max_logfile_size_mb", c.MaxLogSizeMB).
		Str("pidfile", c.PidFile).
		Int("debug_level", c.DebugLevel).
		Str("run_as", c.RunAs).
		Str("ops_addr", c.OpsAddr).
		Str("nats_url", c.NATSURL).
		Float64("accept_rate", c.AcceptRate).
		Int("accept_burst", c.AcceptBurst).
		Msg("configuration loaded")
}
