package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Daemon  DaemonConfig  `yaml:"daemon"`
	Session SessionConfig `yaml:"session"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

type DaemonConfig struct {
	SocketPath   string `yaml:"socket_path"`
	DatabasePath string `yaml:"database_path"`
	// StreamRateKB meters inbound client bytes per connection, in KB/s.
	// 0 disables metering.
	StreamRateKB int `yaml:"stream_rate_kb"`
}

type SessionConfig struct {
	Shell           string `yaml:"shell"`
	DefaultCwd      string `yaml:"default_cwd"`
	ScrollbackLines int    `yaml:"scrollback_lines"`
	WriteQueueDepth int    `yaml:"write_queue_depth"`
}

type ClientConfig struct {
	FirstRenderTimeoutMs int `yaml:"first_render_timeout_ms"`
	DetachDebounceMs     int `yaml:"detach_debounce_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			SocketPath:   SocketPath(),
			DatabasePath: DatabasePath(),
			StreamRateKB: 0,
		},
		Session: SessionConfig{
			Shell:           defaultShell(),
			ScrollbackLines: 10000,
			WriteQueueDepth: 256,
		},
		Client: ClientConfig{
			FirstRenderTimeoutMs: 3000,
			DetachDebounceMs:     200,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file, falling back to defaults when the
// file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Missing config is fine; defaults and env cover everything.
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Override with environment variables if present
	if sock := os.Getenv("PANEMUX_SOCKET"); sock != "" {
		cfg.Daemon.SocketPath = sock
	}
	if db := os.Getenv("PANEMUX_DB"); db != "" {
		cfg.Daemon.DatabasePath = db
	}
	if shell := os.Getenv("PANEMUX_SHELL"); shell != "" {
		cfg.Session.Shell = shell
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Daemon.SocketPath == "" {
		return fmt.Errorf("daemon.socket_path is required")
	}
	if c.Daemon.DatabasePath == "" {
		return fmt.Errorf("daemon.database_path is required")
	}
	if c.Session.ScrollbackLines < 0 {
		return fmt.Errorf("session.scrollback_lines must not be negative")
	}
	if c.Session.WriteQueueDepth <= 0 {
		return fmt.Errorf("session.write_queue_depth must be positive")
	}
	if c.Client.FirstRenderTimeoutMs <= 0 {
		return fmt.Errorf("client.first_render_timeout_ms must be positive")
	}
	if c.Client.DetachDebounceMs < 0 {
		return fmt.Errorf("client.detach_debounce_ms must not be negative")
	}
	return nil
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}
