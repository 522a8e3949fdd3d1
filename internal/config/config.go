// Package config loads and persists the Synapse configuration. Settings
// live in ~/.synapse/config.yaml and can be overridden by SYNAPSE_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all orchestration-layer configuration.
type Config struct {
	UserID    string `mapstructure:"user_id" yaml:"user_id"`
	SessionID string `mapstructure:"session_id" yaml:"session_id"`

	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Generate  GenerateConfig  `mapstructure:"generate" yaml:"generate"`
	Observer  ObserverConfig  `mapstructure:"observer" yaml:"observer"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// TelemetryConfig controls the usage and error trackers.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// SyncConfig controls the cross-environment sync adapter.
type SyncConfig struct {
	EnableAutoSync bool          `mapstructure:"enable_auto_sync" yaml:"enable_auto_sync"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
}

// GenerateConfig controls the image-generation connector.
type GenerateConfig struct {
	OpenAIAPIKey string `mapstructure:"openai_api_key" yaml:"openai_api_key"`
	Model        string `mapstructure:"model" yaml:"model"`
}

// ObserverConfig controls the websocket event observer.
type ObserverConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// StorageConfig controls persistence paths.
type StorageConfig struct {
	DataDir   string `mapstructure:"data_dir" yaml:"data_dir"`
	TunerPath string `mapstructure:"tuner_path" yaml:"tuner_path"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	synapseDir := filepath.Join(homeDir, ".synapse")

	return &Config{
		Telemetry: TelemetryConfig{
			Enabled: true,
		},
		Sync: SyncConfig{
			EnableAutoSync: false,
			Interval:       30 * time.Second,
		},
		Generate: GenerateConfig{
			Model: "gpt-4o-mini",
		},
		Observer: ObserverConfig{
			Enabled: false,
			Port:    8791,
		},
		Storage: StorageConfig{
			DataDir:   filepath.Join(synapseDir, "data"),
			TunerPath: filepath.Join(synapseDir, "tuner"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the default location (~/.synapse/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".synapse", "config.yaml"))
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with
// default values.
func LoadFromPath(path string) (*Config, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: SYNAPSE_GENERATE_OPENAI_API_KEY
	v.SetEnvPrefix("SYNAPSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Sync.Interval <= 0 {
		cfg.Sync.Interval = Default().Sync.Interval
	}
	return &cfg, nil
}

// Save writes the configuration back to a file path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// EnsureDirectories creates the directories Synapse persists into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.TunerPath,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// writeConfigFile writes a Config struct to a YAML file. Uses
// gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
