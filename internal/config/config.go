package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/Ning0612/sftpsync/internal/domain"
)

// Config represents the complete configuration for sftpsync
type Config struct {
	// Servers are the endpoints kept in sync, keyed by alias
	Servers []domain.ServerConfig `mapstructure:"servers" yaml:"servers"`

	Settings Settings `mapstructure:"settings" yaml:"settings"`
}

// Settings tune the daemon as a whole
type Settings struct {
	// PollInterval is how often an idle server scheduler wakes up
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// ShutdownGrace bounds how long a paused or stopped run may take to wind down
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`

	// Workers overrides the per-run worker count; 0 picks by direction
	Workers int `mapstructure:"workers" yaml:"workers"`

	StallChecks        int           `mapstructure:"stall_checks" yaml:"stall_checks"`
	StallCheckInterval time.Duration `mapstructure:"stall_check_interval" yaml:"stall_check_interval"`

	ConnectRetryDelay    time.Duration `mapstructure:"connect_retry_delay" yaml:"connect_retry_delay"`
	ConnectRetryMaxDelay time.Duration `mapstructure:"connect_retry_max_delay" yaml:"connect_retry_max_delay"`

	// StatusInterval is how often the daemon logs active transfers; 0 disables it
	StatusInterval time.Duration `mapstructure:"status_interval" yaml:"status_interval"`

	// DataDir holds the run history database and the pid file
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// HistoryRetention drops run records older than this; 0 keeps everything
	HistoryRetention time.Duration `mapstructure:"history_retention" yaml:"history_retention"`

	Log LogSettings `mapstructure:"log" yaml:"log"`
}

// LogSettings configure the global logger
type LogSettings struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`

	// File enables rotated file output when set
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Validate checks if the configuration is complete and consistent
func (c *Config) Validate() error {
	aliases := mapset.NewThreadUnsafeSet[string]()
	for _, s := range c.Servers {
		if err := s.Validate(); err != nil {
			return err
		}
		if !aliases.Add(s.Alias) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateServer, s.Alias)
		}
	}

	if c.Settings.PollInterval < 0 || c.Settings.ShutdownGrace < 0 ||
		c.Settings.StallCheckInterval < 0 || c.Settings.StatusInterval < 0 {
		return fmt.Errorf("%w: durations in settings cannot be negative", domain.ErrConfigInvalid)
	}
	if c.Settings.Workers < 0 {
		return fmt.Errorf("%w: workers cannot be negative, got %d", domain.ErrConfigInvalid, c.Settings.Workers)
	}
	if c.Settings.ConnectRetryMaxDelay > 0 && c.Settings.ConnectRetryMaxDelay < c.Settings.ConnectRetryDelay {
		return fmt.Errorf("%w: connect_retry_max_delay is below connect_retry_delay", domain.ErrConfigInvalid)
	}
	return nil
}

// GetServer returns a server by alias
func (c *Config) GetServer(alias string) (*domain.ServerConfig, error) {
	for i := range c.Servers {
		if c.Servers[i].Alias == alias {
			return &c.Servers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrServerNotFound, alias)
}

// AddServer appends s after validating it
func (c *Config) AddServer(s domain.ServerConfig) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if _, err := c.GetServer(s.Alias); err == nil {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateServer, s.Alias)
	}
	c.Servers = append(c.Servers, s)
	return nil
}

// RemoveServer drops the server with alias
func (c *Config) RemoveServer(alias string) error {
	for i := range c.Servers {
		if c.Servers[i].Alias == alias {
			c.Servers = append(c.Servers[:i], c.Servers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrServerNotFound, alias)
}

// PidFile is where the daemon records its process id
func (c *Config) PidFile() string {
	return filepath.Join(c.Settings.DataDir, "sftpsync.pid")
}

// DefaultDataDir returns the per-user directory for daemon state
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "sftpsync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".sftpsync")
	}
	return ".sftpsync"
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}
	// Expand ~ to home directory
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			if len(path) > 1 && (path[1] == '/' || path[1] == filepath.Separator) {
				path = filepath.Join(home, path[2:])
			} else if len(path) == 1 {
				path = home
			}
		}
	}
	path = os.ExpandEnv(path)
	return filepath.Clean(path)
}

// expandPaths resolves every local path in place
func (c *Config) expandPaths() {
	for i := range c.Servers {
		s := &c.Servers[i]
		s.LocalDir = ExpandPath(s.LocalDir)
		s.KeyPath = ExpandPath(s.KeyPath)
		s.KnownHostsFile = ExpandPath(s.KnownHostsFile)
	}
	c.Settings.DataDir = ExpandPath(c.Settings.DataDir)
	c.Settings.Log.File = ExpandPath(c.Settings.Log.File)
}
