package sandbox

import (
	"fmt"
	"time"

	"github.com/inoerp/js-sandbox/internal/logging"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// EnvPrefix is the prefix of the environment variables read by LoadConfig.
const EnvPrefix = "JSBOX"

// Config holds session configuration.
type Config struct {
	Timeout        time.Duration `envconfig:"TIMEOUT" default:"0s"`
	MemoryLimitMB  int           `envconfig:"MEMORY_LIMIT_MB" default:"0"`
	Console        bool          `envconfig:"CONSOLE" default:"true"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment bool          `envconfig:"LOG_DEV" default:"false"`
}

// LoadConfig reads configuration from JSBOX_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LoadConfigOrDefault reads configuration from the environment or returns
// DefaultConfig.
func LoadConfigOrDefault() Config {
	cfg, err := LoadConfig()
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns the default configuration: no timeout, engine
// default memory limit and console capture enabled.
func DefaultConfig() Config {
	return Config{
		Console:  true,
		LogLevel: "info",
	}
}

// NewLogger builds a zap logger from the logging fields of c.
func (c Config) NewLogger() (*zap.Logger, error) {
	cfg := logging.DefaultConfig()
	cfg.Level = c.LogLevel
	cfg.Development = c.LogDevelopment
	return logging.New(cfg)
}
