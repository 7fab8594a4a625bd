package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/Ning0612/sftpsync/internal/domain"
)

// DefaultConfigPaths returns the default paths to search for config files
func DefaultConfigPaths() []string {
	paths := []string{
		".",
		"./configs",
	}

	// Add user config directory
	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "sftpsync"))
	}

	// Add home directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "sftpsync"))
		paths = append(paths, filepath.Join(homeDir, ".sftpsync"))
	}

	return paths
}

// newViper returns a viper instance with every settings default
func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("settings.poll_interval", 60*time.Second)
	v.SetDefault("settings.shutdown_grace", 10*time.Second)
	v.SetDefault("settings.workers", 0)
	v.SetDefault("settings.stall_checks", 6)
	v.SetDefault("settings.stall_check_interval", 10*time.Second)
	v.SetDefault("settings.connect_retry_delay", 500*time.Millisecond)
	v.SetDefault("settings.connect_retry_max_delay", 10*time.Second)
	v.SetDefault("settings.status_interval", 5*time.Minute)
	v.SetDefault("settings.data_dir", DefaultDataDir())
	v.SetDefault("settings.history_retention", 90*24*time.Hour)
	v.SetDefault("settings.log.level", "info")
	v.SetDefault("settings.log.format", "text")
	v.SetDefault("settings.log.max_size_mb", 10)
	v.SetDefault("settings.log.max_age_days", 30)
	v.SetDefault("settings.log.max_backups", 5)
	v.SetDefault("settings.log.compress", true)
	v.SetEnvPrefix("SFTPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// decodeHook turns duration strings and named enums into their Go types
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
}

// Load reads and parses a configuration file
// If path is empty, searches default locations for config.yaml
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		// Use specific file
		v.SetConfigFile(path)
	} else {
		// Search default paths
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range DefaultConfigPaths() {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrConfigNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	return decode(v)
}

// LoadFromString parses configuration from a YAML string
func LoadFromString(yamlContent string) (*Config, error) {
	v := newViper()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(strings.NewReader(yamlContent)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	return decode(v)
}

// Default returns a configuration without servers and with default
// settings, environment overrides applied
func Default() (*Config, error) {
	return decode(newViper())
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	for i := range cfg.Servers {
		cfg.Servers[i] = cfg.Servers[i].WithDefaults()
	}
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to path as YAML, readable only by the
// owner since it may carry passwords.
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigPermissions(0600)
	v.Set("servers", cfg.Servers)
	v.Set("settings", cfg.Settings)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
