package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/phantomvault/phantomd/internal/eraser"
	"github.com/phantomvault/phantomd/pkg/crypto"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyControlDefaults(&cfg.Control)
	applyVaultDefaults(&cfg.Vault)
	applyCryptoDefaults(&cfg.Crypto)
	applyEraserDefaults(&cfg.Eraser)
	applyAnalyticsDefaults(cfg)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalized to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyControlDefaults(cfg *ControlConfig) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 9317
	}
	if cfg.RateLimit > 0 && cfg.RateBurst == 0 {
		cfg.RateBurst = cfg.RateLimit * 2
	}
}

func applyVaultDefaults(cfg *VaultConfig) {
	if cfg.Root == "" {
		cfg.Root = defaultVaultRoot()
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
}

func applyCryptoDefaults(cfg *CryptoConfig) {
	if cfg.KDFIterations == 0 {
		cfg.KDFIterations = crypto.DefaultIterations
	}
}

func applyEraserDefaults(cfg *EraserConfig) {
	if cfg.Passes == 0 {
		cfg.Passes = eraser.DefaultPasses
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = eraser.DefaultBufferSize
	}
}

func applyAnalyticsDefaults(cfg *Config) {
	if cfg.Analytics.Path == "" {
		cfg.Analytics.Path = filepath.Join(cfg.Vault.Root, ".analytics")
	}
	if cfg.Analytics.RetentionDays == 0 {
		cfg.Analytics.RetentionDays = 90
	}
}

// defaultVaultRoot places the vault under the user's home directory; the
// dot prefix keeps it out of casual listings.
func defaultVaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".phantomd-vaults"
	}
	return filepath.Join(home, ".phantomd", "vaults")
}
