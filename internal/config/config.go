// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Account is one local identity the session core will accept incoming
// INVITEs for.
type Account struct {
	URI           string   `mapstructure:"uri"`
	AllowedStreams []string `mapstructure:"allowed_streams"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// SessionConfig controls the Session core's own behavior.
type SessionConfig struct {
	// ChannelCapacity bounds the dialog worker's event queue.
	ChannelCapacity int `mapstructure:"channel_capacity"`
	// DisconnectTimeout is the deadline end() gives each stream's End
	// and the timeout it passes to Invitation.End. reject() does not
	// use it, and neither reject() nor end() waits for the Invitation
	// to report disconnected.
	DisconnectTimeout time.Duration `mapstructure:"disconnect_timeout"`
	// EventBusPartitions sizes the shared event bus.
	EventBusPartitions int `mapstructure:"event_bus_partitions"`
}

// Config is the root configuration for a sipsession process.
type Config struct {
	Listen   string          `mapstructure:"listen"`
	Accounts []Account       `mapstructure:"accounts"`
	Log      LogConfig       `mapstructure:"log"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Session  SessionConfig   `mapstructure:"session"`
	PortMin  int             `mapstructure:"port_min"`
	PortMax  int             `mapstructure:"port_max"`
}

type configRoot struct {
	SIPSession Config `mapstructure:"sipsession"`
}

// Load reads configuration from the YAML file at path, applying
// SIPSESSION_-prefixed environment overrides on top (e.g.
// SIPSESSION_LOG_LEVEL overrides sipsession.log.level).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg := root.SIPSession

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sipsession.listen", "0.0.0.0:5060")
	v.SetDefault("sipsession.log.level", "info")
	v.SetDefault("sipsession.log.format", "json")
	v.SetDefault("sipsession.metrics.enabled", true)
	v.SetDefault("sipsession.metrics.listen", ":9090")
	v.SetDefault("sipsession.metrics.path", "/metrics")
	v.SetDefault("sipsession.session.channel_capacity", 64)
	v.SetDefault("sipsession.session.disconnect_timeout", "1s")
	v.SetDefault("sipsession.session.event_bus_partitions", 16)
	v.SetDefault("sipsession.port_min", 10000)
	v.SetDefault("sipsession.port_max", 20000)
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if c.PortMin <= 0 || c.PortMax <= c.PortMin {
		return fmt.Errorf("invalid port range [%d,%d]", c.PortMin, c.PortMax)
	}
	if c.Session.ChannelCapacity <= 0 {
		return fmt.Errorf("session.channel_capacity must be positive")
	}
	return nil
}
