// Package config loads supervisor settings from an optional file plus
// TERMSUP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/termsup/internal/env"
	"github.com/loykin/termsup/internal/logger"
)

const EnvPrefix = "TERMSUP"

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type ProcessMetricsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on its own address. Empty mounts it on the API router only.
	Listen         string               `mapstructure:"listen"`
	ProcessMetrics ProcessMetricsConfig `mapstructure:"process_metrics"`
}

type Config struct {
	StateDir  string `mapstructure:"state_dir"`
	StateFile string `mapstructure:"state_file"`
	LogDir    string `mapstructure:"log_dir"`

	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	OrphanPolling   time.Duration `mapstructure:"orphan_poll_interval"`
	LastOutputChars int           `mapstructure:"last_output_chars"`
	MaxStatusWait   time.Duration `mapstructure:"max_status_wait"`

	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Log     logger.Config `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	// History lists sink DSNs; see history/factory for the accepted schemes.
	History []string `mapstructure:"history"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", defaultStateDir())
	v.SetDefault("state_file", "")
	v.SetDefault("log_dir", "")
	v.SetDefault("default_timeout", 10*time.Second)
	v.SetDefault("grace_period", 200*time.Millisecond)
	v.SetDefault("drain_timeout", 5*time.Second)
	v.SetDefault("poll_interval", 200*time.Millisecond)
	v.SetDefault("orphan_poll_interval", time.Second)
	v.SetDefault("last_output_chars", 1000)
	v.SetDefault("max_status_wait", 300*time.Second)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.process_metrics.enabled", false)
	v.SetDefault("metrics.process_metrics.interval", 5*time.Second)
	v.SetDefault("metrics.process_metrics.max_history", 100)
	v.SetDefault("history", []string{})
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "termsup")
	}
	return filepath.Join(home, ".termsup")
}

// Load reads path (TOML, YAML or JSON by extension; TOML when there is none)
// when non-empty, applies TERMSUP_* overrides and fills derived paths.
// The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) fillPaths() {
	if c.StateDir == "" {
		c.StateDir = defaultStateDir()
	}
	if c.StateFile == "" {
		c.StateFile = filepath.Join(c.StateDir, "processes.json")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.StateDir, "logs")
	}
}

// Validate rejects non-positive durations and malformed env entries.
func (c *Config) Validate() error {
	var errs []error
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"default_timeout", c.DefaultTimeout},
		{"grace_period", c.GracePeriod},
		{"drain_timeout", c.DrainTimeout},
		{"poll_interval", c.PollInterval},
		{"orphan_poll_interval", c.OrphanPolling},
		{"max_status_wait", c.MaxStatusWait},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.d))
		}
	}
	if c.LastOutputChars <= 0 {
		errs = append(errs, fmt.Errorf("last_output_chars must be positive, got %d", c.LastOutputChars))
	}
	for _, kv := range c.Env {
		if _, _, ok := env.Split(kv); !ok {
			errs = append(errs, fmt.Errorf("invalid env entry %q: want KEY=VALUE", kv))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logger.FormatColor, logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.Metrics.ProcessMetrics.Enabled && c.Metrics.ProcessMetrics.Interval <= 0 {
		errs = append(errs, errors.New("metrics.process_metrics.interval must be positive"))
	}
	return errors.Join(errs...)
}

// ChildEnv builds the environment layering for spawned commands: the OS
// environment (when use_os_env is set), then env_files in order, then env.
func (c *Config) ChildEnv() (*env.Env, error) {
	e := env.New(c.UseOSEnv)
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		if e, err = e.WithPairs(pairs); err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
	}
	e, err := e.WithPairs(c.Env)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// LoadEnvFile parses a .env file with KEY=VALUE lines (no export, no quotes).
// Blank lines and lines starting with # are ignored; order is preserved.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
