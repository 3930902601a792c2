// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/fstx/backup"
	"github.com/AleutianAI/fstx/history"
	"github.com/AleutianAI/fstx/pkg/logging"
	"github.com/AleutianAI/fstx/transaction"
)

// Config holds CLI-wide settings, loaded from fstx.yaml when present.
type Config struct {
	// BackupDir holds content backups. Defaults to ~/.fstx/backups.
	BackupDir string `yaml:"backup_dir"`

	// StateDir holds transaction and history state. Defaults to ~/.fstx/state.
	StateDir string `yaml:"state_dir"`

	// MaxBackupsPerPath bounds retained backups per original path.
	MaxBackupsPerPath int `yaml:"max_backups_per_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogDir enables file logging when set.
	LogDir string `yaml:"log_dir"`

	// TracingEnabled controls span creation.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// MetricsEnabled controls metric recording.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

var (
	config     Config
	configPath string
	logger     *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fstx",
	Short: "Reversible file mutations with backup-based rollback",
	Long: `fstx applies ordered file operations as atomic transactions.

Every destructive operation preserves the file's prior content first, so a
committed transaction can be rolled back, and applied changes can be walked
backward and forward with undo and redo.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to config file (default: ./fstx.yaml if present)")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		loadConfig()

		logger = logging.New(logging.Config{
			Level:   parseLogLevel(config.LogLevel),
			LogDir:  config.LogDir,
			Service: "fstx",
			Quiet:   true,
		})
		slog.SetDefault(logger.Slog())
	}
}

// loadConfig reads fstx.yaml and fills in defaults.
func loadConfig() {
	path := configPath
	if path == "" {
		path = "fstx.yaml"
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			log.Fatalf("Error parsing %s: %v", path, err)
		}
	} else if configPath != "" {
		// An explicitly requested config file must exist.
		log.Fatalf("Error reading %s: %v", configPath, err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if config.BackupDir == "" {
		config.BackupDir = filepath.Join(home, ".fstx", "backups")
	}
	if config.StateDir == "" {
		config.StateDir = filepath.Join(home, ".fstx", "state")
	}
	if config.MaxBackupsPerPath == 0 {
		config.MaxBackupsPerPath = 10
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
}

// parseLogLevel maps a config string onto a logging level.
func parseLogLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// newManager builds the transaction manager from the loaded config.
func newManager() (*transaction.Manager, error) {
	txConfig := transaction.DefaultConfig()
	txConfig.BackupDir = config.BackupDir
	txConfig.StateDir = filepath.Join(config.StateDir, "transactions")
	txConfig.MaxBackupsPerPath = config.MaxBackupsPerPath
	txConfig.MetricsEnabled = config.MetricsEnabled
	txConfig.TracingEnabled = config.TracingEnabled
	return transaction.NewManager(txConfig)
}

// newHistory builds the change history from the loaded config.
func newHistory() (*history.History, error) {
	backups, err := backup.NewStore(config.BackupDir, config.MaxBackupsPerPath, logger.Slog())
	if err != nil {
		return nil, err
	}
	return history.NewHistory(filepath.Join(config.StateDir, "history"), backups, logger.Slog())
}

// fatalf prints an error and exits non-zero.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
