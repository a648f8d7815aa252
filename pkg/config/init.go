package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// InitConfig creates a default configuration file at the standard location.
//
// Parameters:
//   - force: Overwrite an existing file
//
// Returns the path of the created file.
func InitConfig(force bool) (string, error) {
	configPath := GetDefaultConfigPath()
	if err := InitConfigToPath(configPath, force); err != nil {
		return "", err
	}
	return configPath, nil
}

// InitConfigToPath creates a default configuration file at the given path,
// creating parent directories as needed.
func InitConfigToPath(configPath string, force bool) error {
	if !force {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
		}
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// defaultConfigTemplate returns the commented YAML written by init.
// Every value matches what ApplyDefaults would produce, so a freshly
// generated file changes nothing.
func defaultConfigTemplate() string {
	return `# PhantomVault Daemon Configuration File
#
# Values here are overridden by PHANTOMD_* environment variables and
# CLI flags. Delete any section to fall back to built-in defaults.

logging:
  # DEBUG, INFO, WARN or ERROR
  level: "INFO"
  # stdout, stderr or a file path
  output: "stdout"

control:
  # Loopback only. 127.0.0.1, ::1 or localhost.
  host: "127.0.0.1"
  port: 9317
  # Requests per second per client, 0 disables limiting
  rate_limit: 0
  rate_burst: 0

vault:
  # Directory holding every profile vault. Empty means ~/.phantomd/vaults.
  root: ""
  # Concurrent lock/unlock workers (1-4)
  workers: 2

crypto:
  # PBKDF2-HMAC-SHA256 iteration count for new vaults (minimum 100000)
  kdf_iterations: 300000

eraser:
  # Overwrite passes before unlink
  passes: 3
  buffer_size: 65536

analytics:
  # Embedded security event log (BadgerDB)
  enabled: false
  # Empty means <vault.root>/.analytics
  path: ""
  retention_days: 90

backup:
  # Upload-only ciphertext backup to S3-compatible storage
  enabled: false
  bucket: ""
  region: ""
  # Custom endpoint for S3-compatible providers, empty for AWS
  endpoint: ""
  prefix: ""
`
}
