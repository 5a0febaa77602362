// Package config loads runtime configuration from defaults, an
// optional YAML file, and SANDMUX_-prefixed environment variables,
// in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the engine's runtime configuration.
type Config struct {
	Addr     string `koanf:"addr"`      // HTTP listen address
	DataDir  string `koanf:"data_dir"`  // Data directory for the DB and local sandboxes
	Provider string `koanf:"provider"`  // Default provider name ("local", "docker", ...)
	LogLevel string `koanf:"log_level"` // debug, info, warn, error

	ShellPath string `koanf:"shell_path"` // Shell used by local runtimes (default "/bin/sh")

	FreshnessTTLSec   int `koanf:"freshness_ttl_sec"`   // Lease observation freshness window
	IdleTTLSec        int `koanf:"idle_ttl_sec"`        // Session idle timeout
	MaxDurationSec    int `koanf:"max_duration_sec"`    // Session max lifetime
	KeepaliveSec      int `koanf:"keepalive_sec"`       // SSE keepalive interval
	KeepRuns          int `koanf:"keep_runs"`           // Retained runs per thread
	ReaperIntervalSec int `koanf:"reaper_interval_sec"` // Idle reaper tick
}

// Defaults returns the built-in configuration values.
func Defaults() map[string]any {
	return map[string]any{
		"addr":                ":4820",
		"data_dir":            defaultDataDir(),
		"provider":            "local",
		"log_level":           "info",
		"shell_path":          "/bin/sh",
		"freshness_ttl_sec":   3,
		"idle_ttl_sec":        300,
		"max_duration_sec":    86400,
		"keepalive_sec":       30,
		"keep_runs":           1,
		"reaper_interval_sec": 60,
	}
}

// Load reads configuration from defaults, the given YAML file (if path
// is non-empty and the file exists), and the SANDMUX_ environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	// SANDMUX_IDLE_TTL_SEC=60 -> idle_ttl_sec.
	err := k.Load(env.Provider("SANDMUX_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "SANDMUX_"))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration values and ensures the data
// directory exists.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.KeepRuns < 1 {
		return fmt.Errorf("keep_runs must be >= 1")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "sandmux.db")
}

// SandboxDir returns the directory under which local provider
// sessions keep their working directories.
func (c *Config) SandboxDir() string {
	return filepath.Join(c.DataDir, "sandboxes")
}

// FreshnessTTL returns the lease observation freshness window.
func (c *Config) FreshnessTTL() time.Duration {
	return time.Duration(c.FreshnessTTLSec) * time.Second
}

// Keepalive returns the SSE keepalive interval.
func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.KeepaliveSec) * time.Second
}

// ReaperInterval returns the idle reaper tick interval.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSec) * time.Second
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "sandmux")
	}
	return filepath.Join(home, ".config", "sandmux")
}
