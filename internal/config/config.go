// Package config loads the gorelay configuration from an optional YAML
// file and GORELAY_* environment variables.
//
// Precedence, highest first: environment, file, defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/Tyrowin/gorelay/internal/broadcast"
	"github.com/Tyrowin/gorelay/internal/expiry"
	"github.com/Tyrowin/gorelay/internal/lifecycle"
	"github.com/Tyrowin/gorelay/internal/logger"
)

// EnvPrefix prefixes every environment override, e.g. GORELAY_SERVER_PORT.
const EnvPrefix = "GORELAY"

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Broadcast BroadcastConfig `mapstructure:"broadcast" yaml:"broadcast"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper" yaml:"sweeper"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig configures the listener.
type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`

	// RequestTimeoutMS is the request and idle timeout in milliseconds.
	// 0 selects the default of 120000.
	RequestTimeoutMS int `mapstructure:"request_timeout" yaml:"request_timeout" validate:"min=0"`

	ForceCloseTimeout time.Duration `mapstructure:"force_close_timeout" yaml:"force_close_timeout" validate:"min=0"`
}

// RequestTimeout returns the effective request/idle timeout.
func (s ServerConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutMS <= 0 {
		return lifecycle.DefaultRequestTimeout
	}
	return time.Duration(s.RequestTimeoutMS) * time.Millisecond
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=console text json"`
}

// BroadcastConfig configures the subscription hub.
type BroadcastConfig struct {
	AllowedOrigins []string        `mapstructure:"allowed_origins" yaml:"allowed_origins" validate:"dive,origin"`
	MaxMessageSize int64           `mapstructure:"max_message_size" yaml:"max_message_size" validate:"min=1"`
	SendBuffer     int             `mapstructure:"send_buffer" yaml:"send_buffer" validate:"min=1"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig is the per-connection token bucket for client frames.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst" yaml:"burst" validate:"min=1"`
	RefillInterval time.Duration `mapstructure:"refill_interval" yaml:"refill_interval" validate:"gt=0"`
}

// SweeperConfig configures the expiration sweeper and its store.
type SweeperConfig struct {
	Interval time.Duration      `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	Store    expiry.StoreConfig `mapstructure:"store" yaml:"store"`
}

// MetricsConfig toggles the Prometheus registry and the /metrics route.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load reads configPath, if set, overlays the environment, applies defaults
// and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("configuration file not found: %s", configPath)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logger.Debug("Loaded configuration file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	// Every key needs a default so AutomaticEnv can bind it on Unmarshal.
	v.SetDefault("server.port", 0)
	v.SetDefault("server.request_timeout", 0)
	v.SetDefault("server.force_close_timeout", lifecycle.DefaultForceCloseTimeout)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("broadcast.allowed_origins", []string{})
	v.SetDefault("broadcast.max_message_size", 4096)
	v.SetDefault("broadcast.send_buffer", 256)
	v.SetDefault("broadcast.rate_limit.burst", 5)
	v.SetDefault("broadcast.rate_limit.refill_interval", time.Second)
	v.SetDefault("sweeper.interval", expiry.DefaultInterval)
	v.SetDefault("sweeper.store.backend", expiry.BackendMemory)
	v.SetDefault("sweeper.store.path", "")
	v.SetDefault("metrics.enabled", true)
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// ApplyDefaults fills values that depend on other settings.
func ApplyDefaults(cfg *Config) {
	if len(cfg.Broadcast.AllowedOrigins) == 0 && cfg.Server.Port > 0 {
		cfg.Broadcast.AllowedOrigins = []string{fmt.Sprintf("http://localhost:%d", cfg.Server.Port)}
	}
	for i, origin := range cfg.Broadcast.AllowedOrigins {
		cfg.Broadcast.AllowedOrigins[i] = strings.TrimSpace(origin)
	}
	if cfg.Sweeper.Store.Backend == "" {
		cfg.Sweeper.Store.Backend = expiry.BackendMemory
	}
}

// HubOptions maps the broadcast section onto hub options.
func (c *Config) HubOptions() broadcast.Options {
	return broadcast.Options{
		AllowedOrigins: c.Broadcast.AllowedOrigins,
		MaxMessageSize: c.Broadcast.MaxMessageSize,
		SendBuffer:     c.Broadcast.SendBuffer,
		RateLimit: broadcast.RateLimit{
			Burst:          c.Broadcast.RateLimit.Burst,
			RefillInterval: c.Broadcast.RateLimit.RefillInterval,
		},
	}
}
