package config

import (
	"os"
	"path/filepath"
)

// ConfigPathEnv overrides the configuration file location.
const ConfigPathEnv = "REMOCK_CONFIG"

// GetConfigPath returns the configuration file path: ConfigPathEnv if set,
// otherwise ~/.remock/config.
func GetConfigPath() (string, error) {
	if configPath := os.Getenv(ConfigPathEnv); configPath != "" {
		return configPath, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".remock", "config"), nil
}
