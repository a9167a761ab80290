// Package config loads td settings from a YAML file, TD_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides: store.dsn is read from
// TD_STORE_DSN.
const EnvPrefix = "TD"

// Config is the resolved configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Daemon    DaemonConfig    `mapstructure:"daemon" yaml:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

// StoreConfig selects the remote store.
type StoreConfig struct {
	// DSN is a SQLite path or a libsql://, https:// or http:// URL.
	DSN       string `mapstructure:"dsn" yaml:"dsn"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token,omitempty"`
}

// SessionConfig identifies the user.
type SessionConfig struct {
	// UserID is the signed-in user. Empty means anonymous.
	UserID string `mapstructure:"user_id" yaml:"user_id,omitempty"`

	// AnonymousFile persists the placeholder id of anonymous sessions.
	AnonymousFile string `mapstructure:"anonymous_file" yaml:"anonymous_file"`

	// PendingDir holds changes that have not reached the store yet.
	PendingDir string `mapstructure:"pending_dir" yaml:"pending_dir"`
}

// LogConfig controls log output. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose" yaml:"verbose"`
}

// DaemonConfig tunes td daemon.
type DaemonConfig struct {
	ReconcileSchedule string        `mapstructure:"reconcile_schedule" yaml:"reconcile_schedule"`
	Debounce          time.Duration `mapstructure:"debounce" yaml:"debounce"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// DashboardConfig tunes td dashboard.
type DashboardConfig struct {
	Host string `mapstructure:"host" yaml:"host,omitempty"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// Dir returns the td configuration directory.
func Dir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "td")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "td")
	}
	return ".td"
}

// DataDir returns the directory holding the local store and session files.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "td")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "td")
	}
	return ".td"
}

// New returns a viper instance with defaults and environment binding set
// up. Callers bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	data := DataDir()
	v.SetDefault("store.dsn", filepath.Join(data, "td.db"))
	v.SetDefault("store.auth_token", "")
	v.SetDefault("session.user_id", "")
	v.SetDefault("session.anonymous_file", filepath.Join(data, "anonymous_id"))
	v.SetDefault("session.pending_dir", filepath.Join(data, "pending"))
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.verbose", false)
	v.SetDefault("daemon.reconcile_schedule", "@every 30s")
	v.SetDefault("daemon.debounce", 250*time.Millisecond)
	v.SetDefault("daemon.poll_interval", time.Duration(0))
	v.SetDefault("dashboard.host", "")
	v.SetDefault("dashboard.port", 8080)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, or config.yaml from Dir when path is empty, into v and
// decodes the result. A missing default file is not an error; a missing
// explicit file is.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn cannot be empty")
	}
	if strings.TrimSpace(c.Session.PendingDir) == "" {
		return fmt.Errorf("session.pending_dir cannot be empty")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	if c.Daemon.Debounce < 0 || c.Daemon.PollInterval < 0 {
		return fmt.Errorf("daemon intervals cannot be negative")
	}
	return nil
}

// YAML renders the configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	shown := *c
	if shown.Store.AuthToken != "" {
		shown.Store.AuthToken = "********"
	}
	data, err := yaml.Marshal(&shown)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
