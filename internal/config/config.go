// Package config loads the relay settings: defaults first, then an
// optional jura.yaml, then JURA_* environment overrides, each layer
// shadowing the one before it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"jura/internal/conversation"
	"jura/internal/transport"
)

// Config is the full relay configuration tree.
type Config struct {
	Agent       AgentConfig       `mapstructure:"agent" yaml:"agent"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// AgentConfig points at the upstream agent service.
type AgentConfig struct {
	BaseURL           string            `mapstructure:"base_url" yaml:"base_url"`
	StreamPath        string            `mapstructure:"stream_path" yaml:"stream_path"`
	Name              string            `mapstructure:"name" yaml:"name"`
	Headers           map[string]string `mapstructure:"headers" yaml:"headers"`
	InactivityTimeout time.Duration     `mapstructure:"inactivity_timeout" yaml:"inactivity_timeout"`
}

// StoreConfig tunes the in-memory conversation cache.
type StoreConfig struct {
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Capacity int           `mapstructure:"capacity" yaml:"capacity"`
}

// ServerConfig controls the relay's own HTTP surface.
type ServerConfig struct {
	Addr         string   `mapstructure:"addr" yaml:"addr"`
	AllowOrigins []string `mapstructure:"allow_origins" yaml:"allow_origins"`
}

// PersistenceConfig controls the turn log on disk.
type PersistenceConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// LoggingConfig controls the debug log.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Load reads the configuration. path, when non-empty, names an explicit
// config file; otherwise jura.yaml is searched in the working directory
// and $HOME. A missing config file is not an error, the defaults stand.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("agent.base_url", "http://localhost:8000")
	v.SetDefault("agent.stream_path", "/stream/chat")
	v.SetDefault("agent.name", "default")
	v.SetDefault("agent.inactivity_timeout", transport.DefaultInactivityTimeout)
	v.SetDefault("store.ttl", conversation.DefaultTTL)
	v.SetDefault("store.capacity", conversation.DefaultCapacity)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("persistence.enabled", true)
	v.SetDefault("persistence.dir", "~/.jura/turns")
	v.SetDefault("logging.level", "info")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("jura")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	v.SetEnvPrefix("JURA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// TransportConfig projects the agent settings onto the transport layer.
func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		BaseURL:           c.Agent.BaseURL,
		StreamPath:        c.Agent.StreamPath,
		Headers:           c.Agent.Headers,
		InactivityTimeout: c.Agent.InactivityTimeout,
	}
}

// StoreSettings projects the cache settings onto the conversation store.
func (c *Config) StoreSettings() conversation.StoreConfig {
	return conversation.StoreConfig{TTL: c.Store.TTL, Capacity: c.Store.Capacity}
}
