package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	AppConfigDir = ".config/grayling"

	// DataDirEnv points the instance at an explicit data directory,
	// for deployments where the home directory is not writable.
	DataDirEnv = "GRAYLING_DATADIR"
)

// GetConfigDir returns the instance's data directory, creating it if
// needed. GRAYLING_DATADIR wins over ~/.config/grayling/.
func GetConfigDir() (string, error) {
	configDir := os.Getenv(DataDirEnv)
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, AppConfigDir)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// ResolveFilePath locates an instance file (database, keys, config):
// the working directory wins, then the data directory, which is also
// where missing files get created.
func ResolveFilePath(filename string) string {
	if _, err := os.Stat(filename); err == nil {
		return filename
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return filename
	}

	return filepath.Join(configDir, filename)
}
