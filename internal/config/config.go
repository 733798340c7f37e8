// Package config loads the fetchlens.yaml configuration, applies
// FETCHLENS_* environment overrides on top, and watches the file for
// hot reload.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level FetchLens configuration.
type Config struct {
	Server         ServerConfig  `yaml:"server"`
	History        HistoryConfig `yaml:"history"`
	DedupWindow    time.Duration `yaml:"dedup_window" env:"FETCHLENS_DEDUP_WINDOW"`
	RenderInterval time.Duration `yaml:"render_interval" env:"FETCHLENS_RENDER_INTERVAL"`
	Export         ExportConfig  `yaml:"export"`
	Log            LogConfig     `yaml:"log"`
}

// ServerConfig holds the inspector server settings.
type ServerConfig struct {
	Host      string `yaml:"host" env:"FETCHLENS_HOST"`
	Port      int    `yaml:"port" env:"FETCHLENS_PORT"`
	AuthToken string `yaml:"auth_token" env:"FETCHLENS_AUTH_TOKEN"`
	CORS      bool   `yaml:"cors" env:"FETCHLENS_CORS"`
}

// HistoryConfig sizes the bounded history buffers.
type HistoryConfig struct {
	Traces        int `yaml:"traces" env:"FETCHLENS_HISTORY_TRACES"`
	Events        int `yaml:"events" env:"FETCHLENS_HISTORY_EVENTS"`
	Invalidations int `yaml:"invalidations" env:"FETCHLENS_HISTORY_INVALIDATIONS"`
}

// ExportConfig configures the export sinks. Empty values disable the
// corresponding sink.
type ExportConfig struct {
	SQLitePath  string `yaml:"sqlite_path" env:"FETCHLENS_SQLITE_PATH"`
	RedisAddr   string `yaml:"redis_addr" env:"FETCHLENS_REDIS_ADDR"`
	RedisStream string `yaml:"redis_stream" env:"FETCHLENS_REDIS_STREAM"`
}

// LogConfig controls logging verbosity.
type LogConfig struct {
	Level string `yaml:"level" env:"FETCHLENS_LOG_LEVEL"`
}

// Default returns a config with sensible defaults for zero-config
// startup.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 6920,
		},
		History: HistoryConfig{
			Traces:        50,
			Events:        100,
			Invalidations: 100,
		},
		DedupWindow:    100 * time.Millisecond,
		RenderInterval: 150 * time.Millisecond,
		Export: ExportConfig{
			RedisStream: "fetchlens:traces",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides, then validates. A missing file with an empty
// path is not an error; an unreadable explicit path is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.History.Traces < 0 || c.History.Events < 0 || c.History.Invalidations < 0 {
		return fmt.Errorf("history capacities must not be negative")
	}
	if c.DedupWindow < 0 {
		return fmt.Errorf("dedup_window must not be negative")
	}
	if c.RenderInterval < 0 {
		return fmt.Errorf("render_interval must not be negative")
	}
	if c.Export.RedisAddr != "" && c.Export.RedisStream == "" {
		return fmt.Errorf("export.redis_stream is required when export.redis_addr is set")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

const defaultYAML = `# FetchLens inspector configuration.
server:
  host: 127.0.0.1
  port: 6920
  # auth_token: ""      # require Bearer token on /api routes
  cors: false

history:
  traces: 50
  events: 100
  invalidations: 100

dedup_window: 100ms
render_interval: 150ms

export:
  # sqlite_path: ./fetchlens.db
  # redis_addr: localhost:6379
  redis_stream: fetchlens:traces

log:
  level: info
`

// GenerateDefault writes a commented starter config to path.
func GenerateDefault(path string) error {
	if err := os.WriteFile(path, []byte(defaultYAML), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
