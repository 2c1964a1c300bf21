// Package config loads application settings and workflow definitions.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// AppConfig holds process-wide settings for both the server and the CLI.
type AppConfig struct {
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	DatabasePath string `mapstructure:"database_path"`
	TreesDir     string `mapstructure:"trees_dir"`
	AgentsDir    string `mapstructure:"agents_dir"`
	WorkflowsDir string `mapstructure:"workflows_dir"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Path to the Claude Code binary. Overridden by CLAUDE_CODE_PATH.
	AgentBinary string `mapstructure:"agent_binary"`
	// Per-invocation agent timeout in seconds.
	AgentTimeoutSeconds int `mapstructure:"agent_timeout_seconds"`

	IDEPreference string `mapstructure:"ide_preference"`
	// When true the state layer never consults the legacy JSON mirror.
	DBOnly bool `mapstructure:"db_only"`
}

// DefaultAppConfig returns the built-in defaults matching the on-disk layout.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		ServerHost:          "localhost",
		ServerPort:          8080,
		DatabasePath:        "adws/database/agentickanban.db",
		TreesDir:            "trees",
		AgentsDir:           "agents",
		WorkflowsDir:        "workflows",
		LogLevel:            "info",
		LogFormat:           "text",
		AgentBinary:         "claude",
		AgentTimeoutSeconds: 600,
		IDEPreference:       "code",
	}
}

// Load reads adw-config.yaml from the working directory or $HOME, then
// applies environment overrides. A missing config file is not an error.
func Load() (AppConfig, error) {
	v := viper.New()
	v.SetConfigName("adw-config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME")

	defaults := DefaultAppConfig()
	v.SetDefault("server_host", defaults.ServerHost)
	v.SetDefault("server_port", defaults.ServerPort)
	v.SetDefault("database_path", defaults.DatabasePath)
	v.SetDefault("trees_dir", defaults.TreesDir)
	v.SetDefault("agents_dir", defaults.AgentsDir)
	v.SetDefault("workflows_dir", defaults.WorkflowsDir)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("agent_binary", defaults.AgentBinary)
	v.SetDefault("agent_timeout_seconds", defaults.AgentTimeoutSeconds)
	v.SetDefault("ide_preference", defaults.IDEPreference)
	v.SetDefault("db_only", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return AppConfig{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Environment variables of record take precedence over file config.
func applyEnvOverrides(cfg *AppConfig) {
	if path := os.Getenv("CLAUDE_CODE_PATH"); path != "" {
		cfg.AgentBinary = path
	}
	if ide := os.Getenv("IDE_PREFERENCE"); ide != "" {
		cfg.IDEPreference = ide
	}
	if dbOnly := os.Getenv("ADW_DB_ONLY"); dbOnly != "" {
		switch strings.ToLower(dbOnly) {
		case "1", "true", "yes":
			cfg.DBOnly = true
		}
	}
}
