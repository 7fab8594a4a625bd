package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Ning0612/sftpsync/internal/config"
	"github.com/Ning0612/sftpsync/internal/domain"
	"github.com/Ning0612/sftpsync/internal/logger"
	"github.com/Ning0612/sftpsync/internal/version"
)

const configFileName = "config.yaml"

var rootCmd = &cobra.Command{
	Use:           "sftpsync",
	Short:         "Keep local directories in sync with SFTP servers",
	Version:       version.Detailed(),
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default: search the standard locations)")
	rootCmd.PersistentFlags().String("log-level", "", "override the configured log level (debug, info, warn, error)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	logger.Shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// configPath returns the --config value, else the first existing file in
// the search path, else where a new config would be written
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return config.ExpandPath(p)
	}
	for _, dir := range config.DefaultConfigPaths() {
		p := filepath.Join(dir, configFileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "sftpsync", configFileName)
	}
	return configFileName
}

// loadConfig reads the config, or returns defaults when missing and
// allowMissing is set
func loadConfig(cmd *cobra.Command, allowMissing bool) (*config.Config, string, error) {
	path := configPath(cmd)
	cfg, err := config.Load(path)
	if errors.Is(err, domain.ErrConfigNotFound) && allowMissing {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, path, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, path, nil
}

// initLogger starts the global logger. Only the daemon writes the
// configured log file.
func initLogger(cmd *cobra.Command, settings config.LogSettings, withFile bool) error {
	level := settings.Level
	if l, _ := cmd.Flags().GetString("log-level"); l != "" {
		level = l
	}

	cfg := logger.Config{
		Level:   logger.ParseLevel(level),
		Format:  logger.ParseFormat(settings.Format),
		Outputs: []logger.OutputConfig{{Type: logger.OutputStderr}},
	}
	if withFile && settings.File != "" {
		cfg.Outputs = append(cfg.Outputs, logger.OutputConfig{Type: logger.OutputFile})
		cfg.File = logger.FileConfig{
			Enabled:    true,
			Path:       settings.File,
			MaxSizeMB:  settings.MaxSizeMB,
			MaxAgeDays: settings.MaxAgeDays,
			MaxBackups: settings.MaxBackups,
			Compress:   settings.Compress,
		}
	}
	return logger.Init(cfg)
}
