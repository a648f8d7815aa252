// Package config loads and validates the phantomd daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete phantomd configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (PHANTOMD_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Control configures the loopback control-plane endpoint
	Control ControlConfig `mapstructure:"control"`

	// Vault contains vault storage and worker settings
	Vault VaultConfig `mapstructure:"vault"`

	// Crypto contains key-derivation parameters
	Crypto CryptoConfig `mapstructure:"crypto"`

	// Eraser contains secure-delete parameters
	Eraser EraserConfig `mapstructure:"eraser"`

	// Analytics configures the embedded security event log
	Analytics AnalyticsConfig `mapstructure:"analytics"`

	// Backup configures the optional S3 ciphertext backup
	Backup BackupConfig `mapstructure:"backup"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ControlConfig configures the control-plane listener.
//
// The listener binds to loopback only; Host exists so tests can pick
// 127.0.0.1 vs ::1 and is validated against the loopback set.
type ControlConfig struct {
	// Host must be a loopback address
	Host string `mapstructure:"host" validate:"required,oneof=127.0.0.1 ::1 localhost"`

	// Port is the TCP port the control plane listens on
	Port int `mapstructure:"port" validate:"required,gt=0,lte=65535"`

	// RateLimit is the sustained request rate per second (0 = unlimited)
	RateLimit uint `mapstructure:"rate_limit"`

	// RateBurst is the burst capacity for the rate limiter
	RateBurst uint `mapstructure:"rate_burst"`
}

// VaultConfig contains vault storage settings.
type VaultConfig struct {
	// Root is the directory that holds every profile vault
	Root string `mapstructure:"root" validate:"required"`

	// Workers bounds the lock/unlock worker pool
	Workers int `mapstructure:"workers" validate:"gte=1,lte=4"`
}

// CryptoConfig contains key-derivation parameters.
type CryptoConfig struct {
	// KDFIterations is the PBKDF2 iteration count for new vaults.
	// Values below 100000 fail validation.
	KDFIterations int `mapstructure:"kdf_iterations" validate:"gte=100000"`
}

// EraserConfig contains secure-delete parameters.
type EraserConfig struct {
	// Passes is the number of overwrite passes
	Passes int `mapstructure:"passes" validate:"gte=1,lte=16"`

	// BufferSize is the overwrite buffer size in bytes
	BufferSize int `mapstructure:"buffer_size" validate:"gte=4096"`
}

// AnalyticsConfig configures the embedded event log.
type AnalyticsConfig struct {
	// Enabled turns event recording on
	Enabled bool `mapstructure:"enabled"`

	// Path is the BadgerDB directory for event storage
	// Only used when Enabled is true
	Path string `mapstructure:"path"`

	// RetentionDays bounds how long events are kept
	RetentionDays int `mapstructure:"retention_days" validate:"gte=0"`
}

// BackupConfig configures the optional S3 ciphertext backup.
//
// Uploads carry ciphertext and manifests only, never plaintext. The local
// vault stays authoritative; backup failures are logged, not fatal.
type BackupConfig struct {
	// Enabled turns post-lock uploads on
	Enabled bool `mapstructure:"enabled"`

	// Bucket is the S3 bucket name
	Bucket string `mapstructure:"bucket"`

	// Region is the AWS region
	Region string `mapstructure:"region"`

	// Endpoint overrides the S3 endpoint for S3-compatible storage
	Endpoint string `mapstructure:"endpoint"`

	// Prefix is prepended to every object key
	Prefix string `mapstructure:"prefix"`

	// AccessKeyID and SecretAccessKey configure static credentials.
	// When empty the default AWS credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns the loaded and validated configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the PHANTOMD_ prefix and underscores.
	// Example: PHANTOMD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("PHANTOMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "phantomd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "phantomd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
